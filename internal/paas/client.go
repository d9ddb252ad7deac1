package paas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// errUnauthorized marks a 401 on an authenticated call; the token is
// refreshed and the call retried once.
var errUnauthorized = errors.New("paas unauthorized")

type Client struct {
	BaseURL string
	APIKey  string
	// Agent names this process in log entries.
	Agent string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	HTTP *http.Client
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (c *Client) Login(ctx context.Context) error {
	apiKey := strings.TrimSpace(c.APIKey)
	if apiKey == "" {
		return errors.New("paas api key is empty")
	}
	b, err := c.postJSON(ctx, "/api/v1/auth/login", map[string]any{"api_key": apiKey}, "")
	if err != nil {
		return fmt.Errorf("paas login: %w", err)
	}
	var lr loginResponse
	if err := json.Unmarshal(b, &lr); err != nil {
		return fmt.Errorf("paas login: %w", err)
	}
	exp, _ := time.Parse(time.RFC3339, strings.TrimSpace(lr.ExpiresAt))

	c.mu.Lock()
	c.token = strings.TrimSpace(lr.Token)
	c.expiresAt = exp
	c.mu.Unlock()
	return nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// EnsureToken logs in when there is no token or it expires within two
// minutes.
func (c *Client) EnsureToken(ctx context.Context) error {
	c.mu.RLock()
	tok, exp := c.token, c.expiresAt
	c.mu.RUnlock()
	if strings.TrimSpace(tok) == "" || (!exp.IsZero() && time.Until(exp) < 2*time.Minute) {
		return c.Login(ctx)
	}
	return nil
}

type CreateLogRequest struct {
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Level      string         `json:"level"`
	Details    map[string]any `json:"details"`
	SessionKey string         `json:"session_key"`
	Metadata   map[string]any `json:"metadata"`
}

func (c *Client) CreateLog(ctx context.Context, req CreateLogRequest) error {
	if err := c.authed(ctx, "/api/v1/logs", req); err != nil {
		return fmt.Errorf("paas create log: %w", err)
	}
	return nil
}

type BroadcastRequest struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}

// Broadcast fans a message out to every notify channel subscribed to the
// event. It is the paging path for failed trades.
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("paas broadcast message is empty")
	}
	if err := c.authed(ctx, "/api/v1/notify/broadcast", req); err != nil {
		return fmt.Errorf("paas broadcast: %w", err)
	}
	return nil
}

func (c *Client) authed(ctx context.Context, path string, body any) error {
	if err := c.EnsureToken(ctx); err != nil {
		return err
	}
	_, err := c.postJSON(ctx, path, body, c.Token())
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	if err := c.Login(ctx); err != nil {
		return err
	}
	_, err = c.postJSON(ctx, path, body, c.Token())
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, token string) ([]byte, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return nil, errors.New("paas base url is empty")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		return nil, errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (c *Client) agent() string {
	if c == nil || strings.TrimSpace(c.Agent) == "" {
		return "trading-bot"
	}
	return strings.TrimSpace(c.Agent)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
