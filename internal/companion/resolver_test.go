package companion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"askbotgo/internal/chat"
	"askbotgo/internal/config"
	"askbotgo/internal/models"
)

var (
	testManager = config.IdentityConfig{UserID: "manager_1", Name: "Manager"}
	testBot     = config.IdentityConfig{UserID: "bot_companion", Name: "Бот-компаньон"}
)

type fakeChat struct {
	dialogs      map[string]*models.Dialog
	legacy       []models.Dialog
	created      []chat.CreateDialogRequest
	ensuredUsers []string
}

func (f *fakeChat) GetDialog(ctx context.Context, dialogID string) (*models.Dialog, error) {
	if d, ok := f.dialogs[dialogID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("dialog %s not found", dialogID)
}

func (f *fakeChat) GetUserDialogs(ctx context.Context, userID string, q chat.DialogQuery) ([]models.Dialog, error) {
	return f.legacy, nil
}

func (f *fakeChat) CreateDialog(ctx context.Context, req chat.CreateDialogRequest) (*models.Dialog, error) {
	f.created = append(f.created, req)
	d := &models.Dialog{DialogID: fmt.Sprintf("companion_%d", len(f.created)), Name: req.Name, Meta: req.Meta}
	if f.dialogs == nil {
		f.dialogs = map[string]*models.Dialog{}
	}
	f.dialogs[d.DialogID] = d
	return d, nil
}

func (f *fakeChat) EnsureUser(ctx context.Context, userID, name, userType string) error {
	f.ensuredUsers = append(f.ensuredUsers, userID)
	return nil
}

type fakeMeta struct {
	bindings map[string]string
	writes   int
}

func (f *fakeMeta) GetDialogKey(ctx context.Context, dialogID, key string) (string, error) {
	return f.bindings[dialogID], nil
}

func (f *fakeMeta) SetDialogKey(ctx context.Context, dialogID, key string, value any) error {
	if f.bindings == nil {
		f.bindings = map[string]string{}
	}
	f.bindings[dialogID] = fmt.Sprint(value)
	f.writes++
	return nil
}

func TestResolveBindingFastPath(t *testing.T) {
	api := &fakeChat{dialogs: map[string]*models.Dialog{
		"companion_9": {DialogID: "companion_9"},
	}}
	meta := &fakeMeta{bindings: map[string]string{"client_d": "companion_9"}}
	r := NewResolver(api, meta, nil, testManager, testBot)

	resolved, err := r.Resolve(context.Background(), "client_d", "client_1", "Иван")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if resolved.Created {
		t.Fatalf("fast path must not create")
	}
	if resolved.Dialog.ResolveID() != "companion_9" {
		t.Fatalf("dialog = %s", resolved.Dialog.ResolveID())
	}
	if len(api.created) != 0 {
		t.Fatalf("unexpected dialog creation")
	}
}

func TestResolveStaleBindingHealsThroughLegacy(t *testing.T) {
	api := &fakeChat{
		dialogs: map[string]*models.Dialog{},
		legacy:  []models.Dialog{{DialogID: "companion_old"}},
	}
	meta := &fakeMeta{bindings: map[string]string{"client_d": "gone"}}
	r := NewResolver(api, meta, nil, testManager, testBot)

	resolved, err := r.Resolve(context.Background(), "client_d", "client_1", "Иван")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if resolved.Created {
		t.Fatalf("legacy discovery must not create")
	}
	if resolved.Dialog.ResolveID() != "companion_old" {
		t.Fatalf("dialog = %s", resolved.Dialog.ResolveID())
	}
	if meta.bindings["client_d"] != "companion_old" {
		t.Fatalf("binding not refreshed: %q", meta.bindings["client_d"])
	}
}

func TestResolveCreatesWhenMissing(t *testing.T) {
	api := &fakeChat{dialogs: map[string]*models.Dialog{}}
	meta := &fakeMeta{}
	r := NewResolver(api, meta, nil, testManager, testBot)

	resolved, err := r.Resolve(context.Background(), "client_d", "client_1", "Иван")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !resolved.Created {
		t.Fatalf("expected creation")
	}
	if len(api.created) != 1 {
		t.Fatalf("created %d dialogs", len(api.created))
	}
	req := api.created[0]
	if req.Name != "Бот-компаньон: Иван" {
		t.Fatalf("dialog name = %q", req.Name)
	}
	if req.Meta["type"] != models.DialogTypeCompanionBot {
		t.Fatalf("meta type = %v", req.Meta["type"])
	}
	if req.Meta[models.MetaClientDialogID] != "client_d" {
		t.Fatalf("meta clientDialogId = %v", req.Meta[models.MetaClientDialogID])
	}
	if len(req.Members) != 2 || req.Members[0].UserID != "manager_1" || req.Members[1].UserID != "bot_companion" {
		t.Fatalf("members = %+v", req.Members)
	}
	if len(api.ensuredUsers) != 1 || api.ensuredUsers[0] != "bot_companion" {
		t.Fatalf("ensured users = %v", api.ensuredUsers)
	}
	if meta.bindings["client_d"] != resolved.Dialog.ResolveID() {
		t.Fatalf("binding not persisted")
	}
}

func TestResolveSentinelIdentity(t *testing.T) {
	api := &fakeChat{dialogs: map[string]*models.Dialog{}}
	r := NewResolver(api, &fakeMeta{}, nil, testManager, testBot)

	resolved, err := r.Resolve(context.Background(), "client_d", "", "")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	req := api.created[0]
	if req.Name != "Бот-компаньон: Unknown Client" {
		t.Fatalf("dialog name = %q", req.Name)
	}
	if req.Meta[models.MetaClientUserID] != UnknownClientID {
		t.Fatalf("meta clientUserId = %v", req.Meta[models.MetaClientUserID])
	}
	if !resolved.Created {
		t.Fatalf("expected creation")
	}
}

func TestResolveIdentityFromMembers(t *testing.T) {
	api := &fakeChat{dialogs: map[string]*models.Dialog{
		"client_d": {DialogID: "client_d", Members: []models.Member{
			{UserID: "manager_1", Type: "user", Name: "Manager"},
			{UserID: "client_5", Type: "user", Name: "Ольга"},
		}},
	}}
	r := NewResolver(api, &fakeMeta{}, nil, testManager, testBot)

	if _, err := r.Resolve(context.Background(), "client_d", "", ""); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	req := api.created[0]
	if req.Meta[models.MetaClientUserID] != "client_5" {
		t.Fatalf("meta clientUserId = %v", req.Meta[models.MetaClientUserID])
	}
	if req.Name != "Бот-компаньон: Ольга" {
		t.Fatalf("dialog name = %q", req.Name)
	}
}

type lostClaim struct {
	meta *fakeMeta
}

func (l *lostClaim) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	// Simulate a concurrent resolver that already claimed and bound.
	l.meta.bindings["client_d"] = "companion_race"
	return false, nil
}

func TestResolveLostClaimReReadsBinding(t *testing.T) {
	api := &fakeChat{dialogs: map[string]*models.Dialog{
		"companion_race": {DialogID: "companion_race"},
	}}
	meta := &fakeMeta{bindings: map[string]string{}}
	r := NewResolver(api, meta, &lostClaim{meta: meta}, testManager, testBot)

	resolved, err := r.Resolve(context.Background(), "client_d", "client_1", "Иван")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if resolved.Created || resolved.Dialog.ResolveID() != "companion_race" {
		t.Fatalf("expected the concurrently created dialog, got %+v", resolved)
	}
	if len(api.created) != 0 {
		t.Fatalf("must not create after losing the claim to a bound dialog")
	}
}
