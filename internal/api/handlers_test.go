package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"askbotgo/internal/chat"
	"askbotgo/internal/config"
	"askbotgo/internal/models"
	"askbotgo/internal/ws"
)

var testManager = config.IdentityConfig{UserID: "manager_1", Name: "Manager"}

type fakeChat struct {
	dialogs  map[string]*models.Dialog
	byUser   []models.Dialog
	messages []models.Message
	sent     []chat.CreateMessageRequest
	lastSort string
}

func (f *fakeChat) GetDialog(ctx context.Context, dialogID string) (*models.Dialog, error) {
	if d, ok := f.dialogs[dialogID]; ok {
		return d, nil
	}
	return nil, &chat.StatusError{Code: http.StatusNotFound}
}

func (f *fakeChat) GetUserDialogs(ctx context.Context, userID string, q chat.DialogQuery) ([]models.Dialog, error) {
	return f.byUser, nil
}

func (f *fakeChat) GetDialogMessages(ctx context.Context, dialogID string, limit int, sort string) ([]models.Message, error) {
	f.lastSort = sort
	return f.messages, nil
}

func (f *fakeChat) CreateMessage(ctx context.Context, dialogID string, req chat.CreateMessageRequest) (*models.Message, error) {
	f.sent = append(f.sent, req)
	return &models.Message{MessageID: fmt.Sprintf("m_%d", len(f.sent)), DialogID: dialogID}, nil
}

func newTestRouter(f *fakeChat) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewHandler(f, nil, ws.NewHub(), testManager).RegisterRoutes(engine)
	return engine
}

func doRequest(t *testing.T, engine *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode body %s: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func TestHealth(t *testing.T) {
	engine := newTestRouter(&fakeChat{})
	rec, payload := doRequest(t, engine, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("health = %d %v", rec.Code, payload)
	}
}

func TestGetCompanionDialogPrefersBinding(t *testing.T) {
	f := &fakeChat{dialogs: map[string]*models.Dialog{
		"client_d": {DialogID: "client_d", Meta: map[string]any{
			"companionBotDialogId": map[string]any{"value": "companion_1"},
		}},
		"companion_1": {DialogID: "companion_1", Name: "Бот-компаньон: Иван"},
	}}
	engine := newTestRouter(f)

	rec, payload := doRequest(t, engine, http.MethodGet, "/api/companion-bot/dialog/client_d", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := payload["data"].(map[string]any)
	if data["dialogId"] != "companion_1" {
		t.Fatalf("data = %v", data)
	}
}

func TestGetCompanionDialogFallsBackToLegacy(t *testing.T) {
	f := &fakeChat{
		dialogs: map[string]*models.Dialog{
			"client_d": {DialogID: "client_d"},
		},
		byUser: []models.Dialog{{LegacyID: "companion_old"}},
	}
	engine := newTestRouter(f)

	rec, payload := doRequest(t, engine, http.MethodGet, "/api/companion-bot/dialog/client_d", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := payload["data"].(map[string]any)
	if data["_id"] != "companion_old" {
		t.Fatalf("data = %v", data)
	}
}

func TestGetCompanionMessagesAscendingSort(t *testing.T) {
	f := &fakeChat{
		dialogs: map[string]*models.Dialog{
			"client_d":    {DialogID: "client_d", Meta: map[string]any{"companionBotDialogId": "companion_1"}},
			"companion_1": {DialogID: "companion_1"},
		},
		messages: []models.Message{{MessageID: "m1"}},
	}
	engine := newTestRouter(f)

	rec, payload := doRequest(t, engine, http.MethodGet, "/api/companion-bot/messages/client_d", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.lastSort != `{"createdAt":1}` {
		t.Fatalf("sort = %q", f.lastSort)
	}
	data := payload["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("data = %v", data)
	}
}

func TestSendMessageRequiresContent(t *testing.T) {
	engine := newTestRouter(&fakeChat{})
	rec, _ := doRequest(t, engine, http.MethodPost, "/api/dialogs/d1/messages", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSendMessageAsManager(t *testing.T) {
	f := &fakeChat{}
	engine := newTestRouter(f)

	rec, payload := doRequest(t, engine, http.MethodPost, "/api/dialogs/d1/messages", `{"content":"Добрый день"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rec.Code, payload)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent = %v", f.sent)
	}
	req := f.sent[0]
	if req.SenderID != "manager_1" || req.Type != "internal.text" || req.Content != "Добрый день" {
		t.Fatalf("request = %+v", req)
	}
}

func TestGetDialogNotFound(t *testing.T) {
	engine := newTestRouter(&fakeChat{})
	rec, _ := doRequest(t, engine, http.MethodGet, "/api/dialogs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
