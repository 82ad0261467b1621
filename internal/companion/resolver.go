// Package companion resolves the secondary manager-only dialog bound to a
// client dialog and assembles conversational context for generation.
package companion

import (
	"context"
	"fmt"
	"log"
	"time"

	"askbotgo/internal/chat"
	"askbotgo/internal/config"
	"askbotgo/internal/models"
)

// Sentinel identity used when the client cannot be derived from the dialog
// member list. Resolution proceeds instead of failing.
const (
	UnknownClientID   = "unknown_client"
	UnknownClientName = "Unknown Client"
)

// claimTTL bounds how long a creation claim blocks competing resolvers.
const claimTTL = 30 * time.Second

// ResolutionError means the companion dialog could not be located or created
// after every fallback.
type ResolutionError struct {
	ClientDialogID string
	Err            error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve companion dialog for %s: %v", e.ClientDialogID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ChatAPI is the slice of the chat client the resolver needs.
type ChatAPI interface {
	GetDialog(ctx context.Context, dialogID string) (*models.Dialog, error)
	GetUserDialogs(ctx context.Context, userID string, q chat.DialogQuery) ([]models.Dialog, error)
	CreateDialog(ctx context.Context, req chat.CreateDialogRequest) (*models.Dialog, error)
	EnsureUser(ctx context.Context, userID, name, userType string) error
}

// MetaStore persists the client-dialog to companion-dialog binding.
type MetaStore interface {
	GetDialogKey(ctx context.Context, dialogID, key string) (string, error)
	SetDialogKey(ctx context.Context, dialogID, key string, value any) error
}

// Claimer is a best-effort conditional write used to narrow the window in
// which two concurrent resolutions both reach the create step. A nil claimer
// (redis absent) degrades to the unguarded behavior.
type Claimer interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// Resolved is the outcome of one resolution attempt.
type Resolved struct {
	Dialog  *models.Dialog
	Created bool
}

// Resolver locates or creates the companion dialog for a client dialog,
// creating at most once per binding on the happy path.
type Resolver struct {
	api     ChatAPI
	meta    MetaStore
	claims  Claimer
	manager config.IdentityConfig
	bot     config.IdentityConfig
}

// NewResolver builds a resolver. claims may be nil.
func NewResolver(api ChatAPI, meta MetaStore, claims Claimer, manager, bot config.IdentityConfig) *Resolver {
	return &Resolver{api: api, meta: meta, claims: claims, manager: manager, bot: bot}
}

// Resolve returns the companion dialog for the client dialog. Order matters
// for idempotence and backward compatibility: binding fast path, then legacy
// discovery, then creation. An authoritative binding that resolves skips all
// further checks; a stale one falls through instead of failing.
func (r *Resolver) Resolve(ctx context.Context, clientDialogID, clientUserID, clientName string) (*Resolved, error) {
	clientUserID, clientName = r.clientIdentity(ctx, clientDialogID, clientUserID, clientName)

	if resolved := r.fromBinding(ctx, clientDialogID); resolved != nil {
		return resolved, nil
	}
	if resolved := r.fromLegacyDiscovery(ctx, clientDialogID, clientUserID); resolved != nil {
		return resolved, nil
	}
	return r.create(ctx, clientDialogID, clientUserID, clientName)
}

// clientIdentity fills missing identity from the dialog member list: the
// first member that is neither the manager nor a bot. Falls back to
// sentinels rather than failing.
func (r *Resolver) clientIdentity(ctx context.Context, clientDialogID, clientUserID, clientName string) (string, string) {
	if clientUserID != "" && clientName != "" {
		return clientUserID, clientName
	}
	dialog, err := r.api.GetDialog(ctx, clientDialogID)
	if err != nil {
		log.Printf("companion: fetch client dialog %s for identity: %v", clientDialogID, err)
	} else {
		for _, member := range dialog.Members {
			if member.UserID == r.manager.UserID || member.Type == "bot" {
				continue
			}
			if clientUserID != "" && member.UserID != clientUserID {
				continue
			}
			if clientUserID == "" {
				clientUserID = member.UserID
			}
			if clientName == "" {
				clientName = member.Name
				if clientName == "" {
					clientName = member.UserID
				}
			}
			break
		}
	}
	if clientUserID == "" {
		clientUserID = UnknownClientID
	}
	if clientName == "" {
		clientName = UnknownClientName
	}
	return clientUserID, clientName
}

// fromBinding is the fast path: a persisted binding that still resolves is
// authoritative and returns immediately.
func (r *Resolver) fromBinding(ctx context.Context, clientDialogID string) *Resolved {
	boundID, err := r.meta.GetDialogKey(ctx, clientDialogID, models.MetaCompanionDialogID)
	if err != nil {
		log.Printf("companion: read binding for %s: %v", clientDialogID, err)
		return nil
	}
	if boundID == "" {
		return nil
	}
	dialog, err := r.api.GetDialog(ctx, boundID)
	if err != nil || dialog.ResolveID() == "" {
		// Stale binding is not fatal; legacy discovery or creation heals it.
		log.Printf("companion: bound dialog %s for %s not resolvable, falling through", boundID, clientDialogID)
		return nil
	}
	return &Resolved{Dialog: dialog}
}

// fromLegacyDiscovery finds pre-binding companion dialogs through the
// manager's dialog list and refreshes the binding when one is found.
func (r *Resolver) fromLegacyDiscovery(ctx context.Context, clientDialogID, clientUserID string) *Resolved {
	filter := fmt.Sprintf("(meta.clientDialogId,eq,%q)&(meta.type,eq,%s)", clientDialogID, models.DialogTypeCompanionBot)
	dialogs, err := r.api.GetUserDialogs(ctx, r.manager.UserID, chat.DialogQuery{Filter: filter, Limit: 1})
	if err != nil {
		log.Printf("companion: legacy discovery for %s: %v", clientDialogID, err)
		return nil
	}
	if len(dialogs) == 0 {
		return nil
	}
	existing := dialogs[0]
	existingID := existing.ResolveID()
	log.Printf("companion: found legacy dialog %s for client %s", existingID, clientUserID)
	if err := r.meta.SetDialogKey(ctx, clientDialogID, models.MetaCompanionDialogID, existingID); err != nil {
		log.Printf("companion: refresh binding %s -> %s: %v", clientDialogID, existingID, err)
	}
	return &Resolved{Dialog: &existing}
}

func (r *Resolver) create(ctx context.Context, clientDialogID, clientUserID, clientName string) (*Resolved, error) {
	// Best-effort claim. Losing it means another resolution is likely
	// creating right now, so re-check the binding once; when the binding is
	// still absent the create proceeds anyway (the race is accepted, the
	// claim only narrows it).
	if r.claims != nil {
		won, err := r.claims.SetNX(ctx, "companion:create:"+clientDialogID, 1, claimTTL)
		if err != nil {
			log.Printf("companion: creation claim for %s: %v", clientDialogID, err)
		} else if !won {
			if resolved := r.fromBinding(ctx, clientDialogID); resolved != nil {
				return resolved, nil
			}
		}
	}

	if err := r.api.EnsureUser(ctx, r.bot.UserID, r.bot.Name, "bot"); err != nil {
		log.Printf("companion: ensure bot user %s: %v", r.bot.UserID, err)
	}

	dialog, err := r.api.CreateDialog(ctx, chat.CreateDialogRequest{
		Name:      fmt.Sprintf("Бот-компаньон: %s", clientName),
		CreatedBy: r.manager.UserID,
		Members: []models.Member{
			{UserID: r.manager.UserID, Type: "user", Name: r.manager.Name},
			{UserID: r.bot.UserID, Type: "bot", Name: r.bot.Name},
		},
		Meta: map[string]any{
			"type":                    models.DialogTypeCompanionBot,
			models.MetaClientDialogID: clientDialogID,
			models.MetaClientUserID:   clientUserID,
			models.MetaClientName:     clientName,
		},
	})
	if err != nil {
		return nil, &ResolutionError{ClientDialogID: clientDialogID, Err: err}
	}
	newID := dialog.ResolveID()
	if newID == "" {
		return nil, &ResolutionError{ClientDialogID: clientDialogID, Err: fmt.Errorf("created dialog carries no id")}
	}

	// Binding persistence failure is logged, not rolled back: a later
	// resolution may create a duplicate, which is the accepted risk.
	if err := r.meta.SetDialogKey(ctx, clientDialogID, models.MetaCompanionDialogID, newID); err != nil {
		log.Printf("companion: persist binding %s -> %s: %v", clientDialogID, newID, err)
	}

	log.Printf("companion: created dialog %s for client dialog %s", newID, clientDialogID)
	return &Resolved{Dialog: dialog, Created: true}, nil
}
