package gigachat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// tokenSafetyMargin is subtracted from the declared expiry so a token is
// never used at the edge of its lifetime.
const tokenSafetyMargin = 5 * time.Minute

// defaultTokenTTL applies when the exchange endpoint reports no lifetime.
const defaultTokenTTL = 30 * time.Minute

// TokenCache holds the bearer credential for the generation API, refreshing
// it on demand. Concurrent callers share a single in-flight exchange.
// Credentials live only in process memory.
type TokenCache struct {
	authURL      string
	clientID     string
	clientSecret string
	scope        string
	http         *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	flight singleflight.Group
}

// NewTokenCache builds a token cache against the auth endpoint.
func NewTokenCache(authURL, clientID, clientSecret, scope string, httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenCache{
		authURL:      strings.TrimRight(authURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		http:         httpClient,
	}
}

// Token returns a valid bearer token, exchanging credentials when the cached
// one is missing or inside the safety margin.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Now().Before(t.expiresAt) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	v, err, _ := t.flight.Do("refresh", func() (any, error) {
		return t.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token so the next call performs a fresh
// exchange. Used after the API answers 401 with a token we thought valid.
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	ExpiresAt   int64  `json:"expires_at"` // unix milliseconds
}

func (t *TokenCache) exchange(ctx context.Context) (string, error) {
	form := url.Values{"scope": {t.scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL+"/api/v2/oauth", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("RqUID", uuid.NewString())
	req.SetBasicAuth(t.clientID, t.clientSecret)

	resp, err := t.http.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Err: fmt.Errorf("token exchange status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{Err: fmt.Errorf("token exchange returned no access_token")}
	}

	expiresAt := time.Now().Add(defaultTokenTTL)
	switch {
	case tr.ExpiresAt > 0:
		expiresAt = time.UnixMilli(tr.ExpiresAt)
	case tr.ExpiresIn > 0:
		expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	t.mu.Lock()
	t.token = tr.AccessToken
	t.expiresAt = expiresAt.Add(-tokenSafetyMargin)
	t.mu.Unlock()

	return tr.AccessToken, nil
}
