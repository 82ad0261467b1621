package gigachat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// FileInfo describes a file stored in the LLM file store.
type FileInfo struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
	Purpose  string `json:"purpose"`
}

// FileClient manages knowledge files in the LLM file store. Handles returned
// by Upload are what generation requests attach.
type FileClient struct {
	apiURL string
	tokens *TokenCache
	http   *http.Client
}

// NewFileClient builds a file client sharing the token cache with the
// generation client.
func NewFileClient(apiURL string, tokens *TokenCache) *FileClient {
	return &FileClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		tokens: tokens,
		http:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Upload stores the file content and returns the assigned handle.
func (c *FileClient) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("read file content: %w", err)
	}
	if err := writer.WriteField("purpose", "general"); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v1/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, snippet(raw))
	}

	var info FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if info.ID == "" {
		return "", fmt.Errorf("upload %s: response carries no file id", filename)
	}
	return info.ID, nil
}

// Delete removes the file from the store.
func (c *FileClient) Delete(ctx context.Context, handle string) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL+"/api/v1/files/"+handle, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", handle, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete file %s: status %d", handle, resp.StatusCode)
	}
	return nil
}

// Info fetches metadata for the file.
func (c *FileClient) Info(ctx context.Context, handle string) (*FileInfo, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/v1/files/"+handle, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file info %s: %w", handle, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file info %s: status %d", handle, resp.StatusCode)
	}
	var info FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode file info: %w", err)
	}
	return &info, nil
}
