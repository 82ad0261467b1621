// Package meta provides typed access to the key-value annotations the chat
// backend attaches to dialogs and messages. The durable client-dialog to
// companion-dialog binding lives here under the companionBotDialogId key.
package meta

import (
	"context"
	"fmt"

	"askbotgo/internal/models"
)

// Scopes accepted by the chat backend meta endpoints.
const (
	ScopeDialog  = "dialog"
	ScopeMessage = "message"
)

// API is the slice of the chat client the store needs.
type API interface {
	GetMeta(ctx context.Context, scope, id string) (map[string]any, error)
	SetMeta(ctx context.Context, scope, id, key string, value any) error
}

// Store reads and writes meta annotations. Failures are expected to be
// non-fatal for callers: they log and fall back to the next resolution
// strategy.
type Store struct {
	api API
}

// NewStore builds a meta store over the chat API.
func NewStore(api API) *Store {
	return &Store{api: api}
}

// GetDialogKey returns one dialog meta value as a string, unwrapping the
// legacy {value: x} shape. Absent keys return "" without error.
func (s *Store) GetDialogKey(ctx context.Context, dialogID, key string) (string, error) {
	all, err := s.api.GetMeta(ctx, ScopeDialog, dialogID)
	if err != nil {
		return "", fmt.Errorf("dialog meta %s: %w", dialogID, err)
	}
	return models.UnwrapMetaString(all[key]), nil
}

// SetDialogKey writes one dialog meta value.
func (s *Store) SetDialogKey(ctx context.Context, dialogID, key string, value any) error {
	if err := s.api.SetMeta(ctx, ScopeDialog, dialogID, key, value); err != nil {
		return fmt.Errorf("dialog meta %s: %w", dialogID, err)
	}
	return nil
}

// SetMessageKeys tags a message with several meta values; the first failure
// stops the loop and is returned.
func (s *Store) SetMessageKeys(ctx context.Context, messageID string, values map[string]any) error {
	for key, value := range values {
		if err := s.api.SetMeta(ctx, ScopeMessage, messageID, key, value); err != nil {
			return fmt.Errorf("message meta %s.%s: %w", messageID, key, err)
		}
	}
	return nil
}
