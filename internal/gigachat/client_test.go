package gigachat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"askbotgo/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := NewTokenCache(srv.URL, "id", "secret", "GIGACHAT_API_PERS", nil)
	return NewClient(config.GigaChatConfig{
		APIURL:         srv.URL,
		Model:          "GigaChat-2",
		Temperature:    0.1,
		TopP:           0.1,
		MaxTokens:      500,
		RequestTimeout: 10,
	}, tokens)
}

func serveToken(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 1800})
}

func TestGenerateExtractorPriority(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"choices message", `{"choices":[{"message":{"content":"из choices"}}]}`, "из choices"},
		{"choices text", `{"choices":[{"text":"из text"}]}`, "из text"},
		{"plain content", `{"content":"плоский"}`, "плоский"},
		{"string message", `{"message":"строкой"}`, "строкой"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/v2/oauth" {
					serveToken(w)
					return
				}
				w.Write([]byte(tc.body))
			})
			result, err := client.Generate(context.Background(), "", "вопрос", nil)
			if err != nil {
				t.Fatalf("Generate error: %v", err)
			}
			if result.Text != tc.want {
				t.Fatalf("text = %q, want %q", result.Text, tc.want)
			}
		})
	}
}

func TestGenerateNoAnswerIsPermanent(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/oauth" {
			serveToken(w)
			return
		}
		w.Write([]byte(`{"choices":[]}`))
	})
	_, err := client.Generate(context.Background(), "", "вопрос", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("empty response must be permanent, got %v", err)
	}
}

func TestGenerateTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v2/oauth" {
				serveToken(w)
				return
			}
			w.WriteHeader(status)
		})
		_, err := client.Generate(context.Background(), "", "вопрос", nil)
		if !IsTransient(err) {
			t.Fatalf("status %d should be transient, got %v", status, err)
		}
	}
}

func TestGenerateBadRequestIsPermanent(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/oauth" {
			serveToken(w)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := client.Generate(context.Background(), "", "вопрос", nil)
	if err == nil || IsTransient(err) {
		t.Fatalf("400 must be a permanent failure, got %v", err)
	}
}

func TestGenerateReauthRetriesOnce(t *testing.T) {
	var completions, exchanges atomic.Int32
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/oauth" {
			exchanges.Add(1)
			serveToken(w)
			return
		}
		if completions.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"content":"после повторной авторизации"}`))
	})

	result, err := client.Generate(context.Background(), "", "вопрос", nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if result.Text != "после повторной авторизации" {
		t.Fatalf("text = %q", result.Text)
	}
	if completions.Load() != 2 {
		t.Fatalf("completion calls = %d", completions.Load())
	}
	if exchanges.Load() != 2 {
		t.Fatalf("token exchanges = %d, want cached token invalidated once", exchanges.Load())
	}
}

func TestGenerateSecondAuthFailurePermanent(t *testing.T) {
	var completions atomic.Int32
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/oauth" {
			serveToken(w)
			return
		}
		completions.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.Generate(context.Background(), "", "вопрос", nil)
	if err == nil || IsTransient(err) {
		t.Fatalf("repeated auth failure must be permanent, got %v", err)
	}
	if completions.Load() != 2 {
		t.Fatalf("completion calls = %d, want exactly one retry", completions.Load())
	}
}

func TestGenerateSystemPromptAndAttachments(t *testing.T) {
	var captured chatRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/oauth" {
			serveToken(w)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"content":"ок"}`))
	})

	if _, err := client.Generate(context.Background(), "системный", "вопрос", []string{"f1", "f2"}); err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("messages = %+v", captured.Messages)
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "системный" {
		t.Fatalf("system turn = %+v", captured.Messages[0])
	}
	user := captured.Messages[1]
	if user.Role != "user" || len(user.Attachments) != 2 {
		t.Fatalf("user turn = %+v", user)
	}
	if captured.Model != "GigaChat-2" {
		t.Fatalf("model = %q", captured.Model)
	}
}

func TestIsTransientUnwraps(t *testing.T) {
	wrapped := &GenerationError{Transient: true, Err: errors.New("inner")}
	if !IsTransient(wrapped) {
		t.Fatalf("direct transient not detected")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatalf("plain error must not be transient")
	}
}
