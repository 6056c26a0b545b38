// Package lifecycle talks to the session lifecycle endpoints of the
// MindWell service.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

var ErrNoBackend = errors.New("backend url not configured")

// TokenSource issues bearer tokens for the current user. It stands in for
// the identity provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token; empty means anonymous.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// StatusError is a non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Message)
}

// Client calls the lifecycle endpoints.
type Client struct {
	baseURL string
	ownerID string
	tokens  TokenSource
	http    *http.Client
}

// NewClient returns nil when baseURL is empty.
func NewClient(baseURL, ownerID string, tokens TokenSource, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		ownerID: ownerID,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the normalized backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe checks that the service answers its health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// StartSession opens a session for the given context and returns its ID.
func (c *Client) StartSession(ctx context.Context, e therapy.Emotion, intensity int) (string, error) {
	req := struct {
		OwnerID   string          `json:"ownerId,omitempty"`
		Emotion   therapy.Emotion `json:"emotion"`
		Intensity int             `json:"intensity"`
	}{OwnerID: c.ownerID, Emotion: e, Intensity: intensity}

	var sess therapy.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return "", err
	}
	if sess.ID == "" {
		return "", errors.New("backend returned a session without id")
	}
	return sess.ID, nil
}

// EndSession closes a session and returns the service's summary.
func (c *Client) EndSession(ctx context.Context, sessionID string) (therapy.Summary, error) {
	var summary therapy.Summary
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/end"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &summary); err != nil {
		return therapy.Summary{}, err
	}
	return summary, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return ErrNoBackend
	}

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
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &payload)
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
