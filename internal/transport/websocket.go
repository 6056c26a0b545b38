package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketOptions tunes deadlines of a websocket channel.
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultWebSocketOptions mirrors the server's 60s read deadline with a ping
// comfortably inside it.
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// WebSocketDialer opens channels against the conversational service.
type WebSocketDialer struct {
	BaseURL string
	Header  http.Header
	Options WebSocketOptions
	Logger  *slog.Logger
}

// NewWebSocketDialer returns a dialer with default options.
func NewWebSocketDialer(baseURL string, logger *slog.Logger) *WebSocketDialer {
	return &WebSocketDialer{BaseURL: baseURL, Options: DefaultWebSocketOptions(), Logger: logger}
}

// EndpointFor derives the websocket endpoint of a session from the backend
// base address: http→ws, https→wss, path /api/ws/<sessionID>.
func EndpointFor(baseURL, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("session id is required")
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("backend url %q has no host", baseURL)
	}
	u.Path = path.Join("/", u.Path, "api", "ws", url.PathEscape(sessionID))
	u.RawQuery = ""
	return u.String(), nil
}

// Dial connects and waits for the server's connected envelope.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string) (Channel, error) {
	endpoint, err := EndpointFor(d.BaseURL, sessionID)
	if err != nil {
		return nil, err
	}

	opts := d.Options
	defaults := DefaultWebSocketOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}

	dialer := &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	ch := newWSChannel(conn, opts, d.logger())

	timer := time.NewTimer(opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-ch.ready:
		return ch, nil
	case <-ch.done:
		return nil, &Error{Op: "handshake", Err: ch.Err()}
	case <-timer.C:
		_ = ch.Close()
		return nil, &Error{Op: "handshake", Err: errors.New("timed out waiting for connected envelope")}
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}
}

func (d *WebSocketDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type wsChannel struct {
	conn   *websocket.Conn
	opts   WebSocketOptions
	logger *slog.Logger

	writeMu sync.Mutex

	inbound   chan Envelope
	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closing bool
	err     error
}

func newWSChannel(conn *websocket.Conn, opts WebSocketOptions, logger *slog.Logger) *wsChannel {
	ch := &wsChannel{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		inbound: make(chan Envelope, 32),
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		return nil
	})

	go ch.readLoop()
	go ch.pingLoop()
	return ch
}

func (c *wsChannel) readLoop() {
	var exitErr error
	defer func() {
		c.mu.Lock()
		if c.closing {
			c.err = ErrClosed
		} else {
			c.err = &Error{Op: "receive", Err: exitErr}
		}
		c.mu.Unlock()
		close(c.inbound)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			exitErr = err
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		env, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		if env.Type == TypeConnected {
			c.readyOnce.Do(func() { close(c.ready) })
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.stop:
			exitErr = ErrClosed
			return
		}
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// Send writes one envelope. Concurrent calls are serialized.
func (c *wsChannel) Send(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (c *wsChannel) Messages() <-chan Envelope { return c.inbound }

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame, drops the connection and waits for the reader.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.stop)

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	<-c.done
	return nil
}
