package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned once a channel has been closed locally.
var ErrClosed = errors.New("transport channel closed")

// Error describes a send/receive failure or an unexpected closure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err came from a channel.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te) || errors.Is(err, ErrClosed)
}

// Channel is a duplex message-oriented connection. Envelopes sent on one
// channel reach the peer in send order. Messages is closed when the
// channel stops receiving; Err then tells why.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Messages() <-chan Envelope
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens channels bound to a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, sessionID string) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID string) (Channel, error) {
	return f(ctx, sessionID)
}
