package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"askbotgo/internal/config"
	"askbotgo/internal/models"
)

// StatusError is returned for non-2xx chat backend responses so callers can
// branch on the code (404 drives the create-if-absent paths).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat api status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a chat backend 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the chat backend REST API.
type Client struct {
	baseURL  string
	apiKey   string
	tenantID string
	http     *http.Client
}

// NewClient builds a chat client from config.
func NewClient(cfg config.ChatAPIConfig) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		tenantID: cfg.TenantID,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// DialogQuery narrows GetUserDialogs. Filter uses the backend DSL of the
// form (field,op,value)&(field,op,value).
type DialogQuery struct {
	Filter string
	Sort   string
	Limit  int
}

// CreateDialogRequest is the createDialog payload.
type CreateDialogRequest struct {
	Name      string          `json:"name"`
	CreatedBy string          `json:"createdBy"`
	Members   []models.Member `json:"members"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// CreateMessageRequest is the createMessage payload.
type CreateMessageRequest struct {
	SenderID string `json:"senderId"`
	Type     string `json:"type"`
	Content  string `json:"content"`
}

// GetDialog fetches one dialog by id.
func (c *Client) GetDialog(ctx context.Context, dialogID string) (*models.Dialog, error) {
	var dialog models.Dialog
	if err := c.do(ctx, http.MethodGet, "/dialogs/"+url.PathEscape(dialogID), nil, &dialog); err != nil {
		return nil, fmt.Errorf("get dialog %s: %w", dialogID, err)
	}
	return &dialog, nil
}

// GetUserDialogs lists dialogs visible to the user, honoring the query.
func (c *Client) GetUserDialogs(ctx context.Context, userID string, q DialogQuery) ([]models.Dialog, error) {
	path := "/users/" + url.PathEscape(userID) + "/dialogs"
	params := url.Values{}
	if q.Filter != "" {
		params.Set("filter", q.Filter)
	}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var dialogs []models.Dialog
	if err := c.do(ctx, http.MethodGet, path, nil, &dialogs); err != nil {
		return nil, fmt.Errorf("get dialogs for %s: %w", userID, err)
	}
	return dialogs, nil
}

// GetDialogMessages fetches dialog messages. Sort is the backend JSON sort
// spec, e.g. {"createdAt":1}.
func (c *Client) GetDialogMessages(ctx context.Context, dialogID string, limit int, sort string) ([]models.Message, error) {
	path := "/dialogs/" + url.PathEscape(dialogID) + "/messages"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if sort != "" {
		params.Set("sort", sort)
	}
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", dialogID, err)
	}
	return messages, nil
}

// CreateDialog creates a new dialog.
func (c *Client) CreateDialog(ctx context.Context, req CreateDialogRequest) (*models.Dialog, error) {
	var dialog models.Dialog
	if err := c.do(ctx, http.MethodPost, "/dialogs", req, &dialog); err != nil {
		return nil, fmt.Errorf("create dialog: %w", err)
	}
	return &dialog, nil
}

// CreateMessage posts a message into the dialog.
func (c *Client) CreateMessage(ctx context.Context, dialogID string, req CreateMessageRequest) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/dialogs/"+url.PathEscape(dialogID)+"/messages", req, &msg); err != nil {
		return nil, fmt.Errorf("create message in %s: %w", dialogID, err)
	}
	return &msg, nil
}

// EnsureUser creates the user when a lookup answers 404. Any other lookup
// outcome is treated as "already exists": the caller only needs the identity
// to be present, and failing here would block dialog creation.
func (c *Client) EnsureUser(ctx context.Context, userID, name, userType string) error {
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return nil
	}
	payload := map[string]string{"userId": userID, "name": name, "type": userType}
	if err := c.do(ctx, http.MethodPost, "/users", payload, nil); err != nil {
		return fmt.Errorf("create user %s: %w", userID, err)
	}
	return nil
}

// GetMeta fetches the whole meta map for a scope/id pair.
func (c *Client) GetMeta(ctx context.Context, scope, id string) (map[string]any, error) {
	var meta map[string]any
	if err := c.do(ctx, http.MethodGet, "/meta/"+url.PathEscape(scope)+"/"+url.PathEscape(id), nil, &meta); err != nil {
		return nil, fmt.Errorf("get meta %s/%s: %w", scope, id, err)
	}
	return meta, nil
}

// SetMeta writes one meta key through the key-scoped PUT shape.
func (c *Client) SetMeta(ctx context.Context, scope, id, key string, value any) error {
	path := "/meta/" + url.PathEscape(scope) + "/" + url.PathEscape(id) + "/" + url.PathEscape(key)
	payload := map[string]any{"value": value}
	if err := c.do(ctx, http.MethodPut, path, payload, nil); err != nil {
		return fmt.Errorf("set meta %s/%s.%s: %w", scope, id, key, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-Id", c.tenantID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 200)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return decodeMaybeWrapped(raw, out)
}

// decodeMaybeWrapped accepts either the bare payload or the legacy
// {"data": payload} envelope.
func decodeMaybeWrapped(raw []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err == nil {
			return nil
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
