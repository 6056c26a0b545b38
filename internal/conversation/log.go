// Package conversation keeps the ordered record of a session's messages.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

// ErrFinalized is returned by Append once the log has been closed.
var ErrFinalized = errors.New("conversation log finalized")

// Log is an append-only message sequence. The only permitted mutation is
// finalizing the most recent provisional message through UpdateLast.
type Log struct {
	mu        sync.RWMutex
	messages  []therapy.Message
	finalized bool
	now       func() time.Time
}

// NewLog returns an empty log stamped with the wall clock.
func NewLog() *Log {
	return NewLogWithClock(time.Now)
}

// NewLogWithClock is NewLog with an injectable clock.
func NewLogWithClock(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{
		messages: make([]therapy.Message, 0, 16),
		now:      now,
	}
}

// Append stores msg and returns it with ID and timestamp filled in.
// Timestamps never go backwards, even if the clock does.
func (l *Log) Append(msg therapy.Message) (therapy.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return therapy.Message{}, ErrFinalized
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.now().UTC()
	}
	if n := len(l.messages); n > 0 {
		if last := l.messages[n-1].Timestamp; msg.Timestamp.Before(last) {
			msg.Timestamp = last
		}
	}

	l.messages = append(l.messages, msg)
	return msg, nil
}

// UpdateLast applies transform to the most recent provisional message that
// matches pred. Role, ID and timestamp are preserved. It reports whether a
// message was updated.
func (l *Log) UpdateLast(pred func(therapy.Message) bool, transform func(therapy.Message) therapy.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.messages) - 1; i >= 0; i-- {
		current := l.messages[i]
		if !current.Provisional || !pred(current) {
			continue
		}
		next := transform(current)
		next.ID = current.ID
		next.Role = current.Role
		next.Timestamp = current.Timestamp
		l.messages[i] = next
		return true
	}
	return false
}

// Snapshot returns a copy of the messages in append order.
func (l *Log) Snapshot() []therapy.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	copied := make([]therapy.Message, len(l.messages))
	copy(copied, l.messages)
	return copied
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Last returns the most recent message.
func (l *Log) Last() (therapy.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return therapy.Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

// Finalize rejects further appends. It is idempotent.
func (l *Log) Finalize() {
	l.mu.Lock()
	l.finalized = true
	l.mu.Unlock()
}

// Finalized reports whether Finalize was called.
func (l *Log) Finalized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finalized
}
