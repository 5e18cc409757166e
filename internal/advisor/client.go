package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role tags one conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleNote marks system notes the orchestrator appends after an
	// action completes. The wire protocol only knows user/assistant,
	// so notes travel as annotated user turns.
	RoleNote Role = "note"
)

// Turn is one exchange in the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completer is the minimal surface the orchestrator needs from the
// advisory service. Tests substitute a scripted mock.
type Completer interface {
	Complete(ctx context.Context, system string, turns []Turn) (string, error)
}

// ErrUnauthorized is returned when the service rejects credentials. The
// caller is expected to clear cached credentials and reconfigure.
var ErrUnauthorized = errors.New("advisory service rejected credentials")

// Config for the HTTP client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Model:   "claude-sonnet-4-5",
		Timeout: 2 * time.Minute,
	}
}

// Client talks to an Anthropic-style messages endpoint.
type Client struct {
	mu         sync.Mutex
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates an advisory-service client.
func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// SetAPIKey replaces the cached credential.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

// ClearAPIKey discards the cached credential.
func (c *Client) ClearAPIKey() { c.SetAPIKey("") }

// HasCredentials reports whether a key is configured.
func (c *Client) HasCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey != ""
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the instructional preamble plus the full ordered turn
// history and returns the raw reply text. Transient failures (429, 5xx)
// are retried with exponential sleep; 401/403 surface as
// ErrUnauthorized without retry.
func (c *Client) Complete(ctx context.Context, system string, turns []Turn) (string, error) {
	c.mu.Lock()
	apiKey := c.apiKey
	c.mu.Unlock()
	if apiKey == "" {
		return "", ErrUnauthorized
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: 4096,
		System:    system,
		Messages:  wireMessages(turns),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	const maxRetries = 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("advisory request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("advisory service status %d: %s", resp.StatusCode, string(body))
			c.log.Warn("advisory retryable failure",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", i))
			continue
		case resp.StatusCode != http.StatusOK:
			return "", fmt.Errorf("advisory service status %d: %s", resp.StatusCode, string(body))
		}

		var parsed apiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("advisory service error: %s", parsed.Error.Message)
		}

		var text string
		for _, block := range parsed.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return text, nil
	}

	return "", lastErr
}

// wireMessages maps conversation turns onto the wire protocol's two
// roles. Notes become bracketed user turns so the model sees them in
// sequence.
func wireMessages(turns []Turn) []apiMessage {
	msgs := make([]apiMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleAssistant:
			msgs = append(msgs, apiMessage{Role: "assistant", Content: t.Content})
		case RoleNote:
			msgs = append(msgs, apiMessage{Role: "user", Content: "[system note] " + t.Content})
		default:
			msgs = append(msgs, apiMessage{Role: "user", Content: t.Content})
		}
	}
	return msgs
}
