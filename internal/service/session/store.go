package session

import (
	"context"
	"errors"
	"sync"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions and their transcripts.
type Store interface {
	CreateSession(ctx context.Context, session therapy.Session) error
	GetSession(ctx context.Context, sessionID string) (therapy.Session, error)
	UpdateSession(ctx context.Context, session therapy.Session) error
	AppendMessage(ctx context.Context, sessionID string, message therapy.Message) error
	Messages(ctx context.Context, sessionID string) ([]therapy.Message, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]therapy.Session
	messages map[string][]therapy.Message
}

// NewMemoryStore bootstraps the in-memory store suitable for early iterations.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]therapy.Session),
		messages: make(map[string][]therapy.Message),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, session therapy.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	m.messages[session.ID] = make([]therapy.Message, 0, 16)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (therapy.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return therapy.Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session therapy.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, message therapy.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	m.messages[sessionID] = append(m.messages[sessionID], message)
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, sessionID string) ([]therapy.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages, ok := m.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := make([]therapy.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
