package models

import "time"

// Upload record statuses. Only uploaded records with a handle feed the
// generation context.
const (
	FileStatusPending   = "pending"
	FileStatusUploading = "uploading"
	FileStatusUploaded  = "uploaded"
	FileStatusError     = "error"
)

// FileRecord represents a knowledge file registered for generation context.
// Handle is the opaque file id assigned by the LLM file store once the
// upload succeeds.
type FileRecord struct {
	ID         int64     `json:"id"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"stored_path"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	Handle     string    `json:"handle,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
