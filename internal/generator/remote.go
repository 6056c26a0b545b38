package generator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/transport"
)

const DefaultTimeout = 20 * time.Second

// ServiceError carries the message of an error envelope answering a turn.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string { return "service error: " + e.Message }

// SendFunc writes one envelope to the active channel.
type SendFunc func(ctx context.Context, env transport.Envelope) error

type reply struct {
	text string
	err  error
}

// ErrWindowLost means an audio turn's recording window was never closed on
// the current channel, so the service holds no audio for it.
var ErrWindowLost = errors.New("recording window not open on this channel")

// ticket is one reply the service owes, in wire order.
type ticket struct {
	ref       string
	ch        chan reply
	abandoned bool
}

// Remote delegates generation to the conversational service. Every envelope
// that asks for a reply (a text, or the activityEnd closing a recording
// window) queues a ticket; response and error envelopes, which the owner
// feeds in through Deliver and Fail, settle tickets in order.
type Remote struct {
	timeout time.Duration
	logger  *slog.Logger

	// sendMu keeps the ticket queue in wire order.
	sendMu sync.Mutex

	mu    sync.Mutex
	send  SendFunc
	queue []*ticket
}

func NewRemote(send SendFunc, timeout time.Duration, logger *slog.Logger) *Remote {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Remote{send: send, timeout: timeout, logger: logger}
}

// Rebind points the generator at a new channel after a reconnect. Turns
// still owed by the old channel fail with a transport error.
func (r *Remote) Rebind(send SendFunc) {
	r.Interrupt(&transport.Error{Op: "receive", Err: transport.ErrClosed})
	r.mu.Lock()
	r.send = send
	r.mu.Unlock()
}

// Interrupt fails every owed turn with err and forgets late responses.
func (r *Remote) Interrupt(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.queue {
		if !t.abandoned {
			t.ch <- reply{err: err}
		}
	}
	r.queue = nil
}

// Submit sends envs and queues the reply they ask for under ref. An audio
// turn collects it later through Generate with the same AudioRef.
func (r *Remote) Submit(ctx context.Context, ref string, envs ...transport.Envelope) error {
	_, err := r.submit(ctx, ref, envs)
	return err
}

func (r *Remote) submit(ctx context.Context, ref string, envs []transport.Envelope) (*ticket, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	if send == nil {
		return nil, &transport.Error{Op: "send", Err: transport.ErrClosed}
	}

	t := &ticket{ref: ref, ch: make(chan reply, 1)}
	for i, env := range envs {
		if i == len(envs)-1 {
			// queued before the last send so a fast reply finds it
			r.mu.Lock()
			r.queue = append(r.queue, t)
			r.mu.Unlock()
		}
		if err := send(ctx, env); err != nil {
			r.remove(t)
			if transport.IsTransportError(err) {
				return nil, err
			}
			return nil, &transport.Error{Op: "send", Err: err}
		}
	}
	return t, nil
}

// Generate sends a text turn and waits for its reply. For an audio turn the
// window must already have been closed through Submit; Generate only waits.
func (r *Remote) Generate(ctx context.Context, _ []therapy.Message, latest therapy.Message) (string, error) {
	if latest.AudioRef != "" {
		t := r.lookup(latest.AudioRef)
		if t == nil {
			return "", ErrWindowLost
		}
		return r.await(ctx, t)
	}

	t, err := r.submit(ctx, latest.ID, []transport.Envelope{transport.Text(latest.Content)})
	if err != nil {
		return "", err
	}
	return r.await(ctx, t)
}

func (r *Remote) await(ctx context.Context, t *ticket) (string, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-t.ch:
		return res.text, res.err
	case <-timer.C:
		r.abandon(t)
		return "", ErrTimeout
	case <-ctx.Done():
		r.abandon(t)
		return "", ctx.Err()
	}
}

func (r *Remote) lookup(ref string) *ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.queue {
		if t.ref == ref && !t.abandoned {
			return t
		}
	}
	return nil
}

// abandon keeps the ticket queued so its late response is dropped.
func (r *Remote) abandon(t *ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.abandoned = true
}

func (r *Remote) remove(t *ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == t {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// Pending reports how many replies the service still owes.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Deliver hands a response envelope's text to the oldest owed turn. It
// reports false when the text was dropped.
func (r *Remote) Deliver(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.logger.Debug("dropped unsolicited response")
		return false
	}
	head := r.queue[0]
	r.queue = r.queue[1:]
	if head.abandoned {
		r.logger.Debug("dropped late response", "owed", len(r.queue))
		return false
	}
	head.ch <- reply{text: text}
	return true
}

// Fail answers the oldest owed turn with an error envelope's message. An
// error never settles a timed-out turn: the service sends errors of its own
// accord too, and only a response is known to close a late turn.
func (r *Remote) Fail(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 || r.queue[0].abandoned {
		return false
	}
	head := r.queue[0]
	r.queue = r.queue[1:]
	head.ch <- reply{err: &ServiceError{Message: message}}
	return true
}
