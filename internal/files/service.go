// Package files tracks knowledge files registered for generation context and
// keeps their upload state in sync with the LLM file store.
package files

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"askbotgo/internal/models"
)

// Uploader is the slice of the LLM file client the service needs.
type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader) (string, error)
	Delete(ctx context.Context, handle string) error
}

// Service persists file records and drives the upload lifecycle:
// pending -> uploading -> uploaded, or pending -> error with the cause kept.
type Service struct {
	db       *sql.DB
	uploader Uploader
	dir      string
}

func NewService(db *sql.DB, uploader Uploader, dir string) *Service {
	return &Service{db: db, uploader: uploader, dir: dir}
}

// Register stores the content on disk and records it as pending.
func (s *Service) Register(ctx context.Context, fileName, mimeType string, content io.Reader) (*models.FileRecord, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure storage dir: %w", err)
	}
	storedPath := filepath.Join(s.dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(fileName)))
	out, err := os.Create(storedPath)
	if err != nil {
		return nil, fmt.Errorf("store file %s: %w", fileName, err)
	}
	size, err := io.Copy(out, content)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("store file %s: %w", fileName, err)
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (file_name, stored_path, mime_type, size, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fileName, storedPath, mimeType, size, models.FileStatusPending, now, now)
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("insert file record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert file record: %w", err)
	}
	return &models.FileRecord{
		ID:         id,
		FileName:   fileName,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       size,
		Status:     models.FileStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// SyncPending pushes every pending record to the file store. Failures are
// recorded per file and do not stop the batch.
func (s *Service) SyncPending(ctx context.Context) error {
	pending, err := s.listByStatus(ctx, models.FileStatusPending)
	if err != nil {
		return err
	}
	for i := range pending {
		rec := &pending[i]
		if err := s.uploadOne(ctx, rec); err != nil {
			log.Printf("files: upload %s (id %d): %v", rec.FileName, rec.ID, err)
		}
	}
	return nil
}

func (s *Service) uploadOne(ctx context.Context, rec *models.FileRecord) error {
	if err := s.setStatus(ctx, rec.ID, models.FileStatusUploading, "", ""); err != nil {
		return err
	}
	content, err := os.Open(rec.StoredPath)
	if err != nil {
		s.setStatus(ctx, rec.ID, models.FileStatusError, "", err.Error())
		return err
	}
	handle, err := s.uploader.Upload(ctx, rec.FileName, content)
	content.Close()
	if err != nil {
		s.setStatus(ctx, rec.ID, models.FileStatusError, "", err.Error())
		return err
	}
	return s.setStatus(ctx, rec.ID, models.FileStatusUploaded, handle, "")
}

// EligibleHandles returns the handles that may be attached to a generation
// request: uploaded records that actually carry one.
func (s *Service) EligibleHandles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle FROM files WHERE status = ? AND handle IS NOT NULL AND handle != '' ORDER BY id`,
		models.FileStatusUploaded)
	if err != nil {
		return nil, fmt.Errorf("query eligible handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		handles = append(handles, handle)
	}
	return handles, rows.Err()
}

// List returns every record, newest first.
func (s *Service) List(ctx context.Context) ([]models.FileRecord, error) {
	return s.query(ctx,
		`SELECT id, file_name, stored_path, mime_type, size, status, handle, last_error, created_at, updated_at
		 FROM files ORDER BY id DESC`)
}

// Remove deletes the record, its stored content, and the remote file when a
// handle exists. Remote deletion failure is logged, not fatal.
func (s *Service) Remove(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Handle != "" {
		if err := s.uploader.Delete(ctx, rec.Handle); err != nil {
			log.Printf("files: delete remote %s: %v", rec.Handle, err)
		}
	}
	if rec.StoredPath != "" {
		if err := os.Remove(rec.StoredPath); err != nil && !os.IsNotExist(err) {
			log.Printf("files: remove %s: %v", rec.StoredPath, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete file record %d: %w", id, err)
	}
	return nil
}

// Get fetches one record by id.
func (s *Service) Get(ctx context.Context, id int64) (*models.FileRecord, error) {
	records, err := s.query(ctx,
		`SELECT id, file_name, stored_path, mime_type, size, status, handle, last_error, created_at, updated_at
		 FROM files WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("file record %d not found", id)
	}
	return &records[0], nil
}

func (s *Service) listByStatus(ctx context.Context, status string) ([]models.FileRecord, error) {
	return s.query(ctx,
		`SELECT id, file_name, stored_path, mime_type, size, status, handle, last_error, created_at, updated_at
		 FROM files WHERE status = ? ORDER BY id`, status)
}

func (s *Service) query(ctx context.Context, q string, args ...any) ([]models.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var records []models.FileRecord
	for rows.Next() {
		var (
			rec       models.FileRecord
			handle    sql.NullString
			lastError sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.FileName, &rec.StoredPath, &rec.MimeType, &rec.Size,
			&rec.Status, &handle, &lastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		rec.Handle = handle.String
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Service) setStatus(ctx context.Context, id int64, status, handle, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, handle = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, handle, lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update file %d status: %w", id, err)
	}
	return nil
}
