package gigachat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"askbotgo/internal/config"
)

// Usage reports token consumption for one generation call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the normalized output of one generation call.
type Result struct {
	Text  string
	Usage *Usage
	Model string
}

// Client calls the GigaChat completion API. It retries once after a fresh
// token exchange when the API answers with an auth failure; transient
// failures surface to the caller, who owns the retry budget.
type Client struct {
	apiURL      string
	model       string
	temperature float64
	topP        float64
	maxTokens   int
	tokens      *TokenCache
	http        *http.Client
}

// NewClient builds a generation client from config and a token cache.
func NewClient(cfg config.GigaChatConfig, tokens *TokenCache) *Client {
	return &Client{
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		tokens:      tokens,
		http:        &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
	}
}

type chatMessage struct {
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

// rawResponse covers every legacy response shape seen in the wild. The
// message field is raw because old backends sent it as a plain string while
// current ones nest it inside choices.
type rawResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Content string          `json:"content"`
	Message json.RawMessage `json:"message"`
	Usage   *Usage          `json:"usage"`
	Model   string          `json:"model"`
}

// extractors are tried in priority order; the first non-empty result wins.
var extractors = []func(*rawResponse) string{
	func(r *rawResponse) string {
		if len(r.Choices) > 0 && r.Choices[0].Message != nil {
			return r.Choices[0].Message.Content
		}
		return ""
	},
	func(r *rawResponse) string {
		if len(r.Choices) > 0 {
			return r.Choices[0].Text
		}
		return ""
	},
	func(r *rawResponse) string { return r.Content },
	func(r *rawResponse) string {
		var s string
		if len(r.Message) > 0 && json.Unmarshal(r.Message, &s) == nil {
			return s
		}
		return ""
	},
}

// Generate runs one completion call. Attachment handles ride on the user
// turn. systemPrompt may be empty.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, attachments []string) (*Result, error) {
	result, err := c.generateOnce(ctx, systemPrompt, userPrompt, attachments)
	if err == nil {
		return result, nil
	}

	// One transparent retry after re-auth; a second auth failure is permanent.
	if c.isAuthShaped(err) {
		c.tokens.Invalidate()
		result, retryErr := c.generateOnce(ctx, systemPrompt, userPrompt, attachments)
		if retryErr == nil {
			return result, nil
		}
		return nil, &GenerationError{Err: fmt.Errorf("after re-auth: %w", retryErr)}
	}
	return nil, err
}

func (c *Client) isAuthShaped(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
	}
	return false
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("completion status %d: %s", e.code, e.body)
}

func (c *Client) generateOnce(ctx context.Context, systemPrompt, userPrompt string, attachments []string) (*Result, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var messages []chatMessage
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt, Attachments: attachments})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, &GenerationError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		// Network and timeout failures are retryable by contract.
		return nil, &GenerationError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GenerationError{Transient: true, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &GenerationError{Transient: true, Err: &statusError{code: resp.StatusCode, body: snippet(raw)}}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &statusError{code: resp.StatusCode, body: snippet(raw)}
	default:
		return nil, &GenerationError{Err: &statusError{code: resp.StatusCode, body: snippet(raw)}}
	}

	var parsed rawResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &GenerationError{Err: fmt.Errorf("decode response: %w", err)}
	}

	for _, extract := range extractors {
		if text := extract(&parsed); text != "" {
			return &Result{Text: text, Usage: parsed.Usage, Model: parsed.Model}, nil
		}
	}
	return nil, &GenerationError{Err: errors.New("no answer in response")}
}

func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
