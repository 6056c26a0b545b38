package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	analysis "github.com/zhouzirui/mindwell/internal/analysis/emotion"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

var (
	ErrInvalidEmotion   = errors.New("invalid emotion")
	ErrInvalidIntensity = errors.New("invalid intensity")
	ErrEmptyMessage     = errors.New("message content is required")
	ErrSessionEnded     = errors.New("session already ended")
)

// Service encapsulates therapy session state management on top of a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService wraps a store. A nil store falls back to memory.
func NewService(store Store) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// CreateSession provisions a session for a validated emotion and intensity.
func (s *Service) CreateSession(ctx context.Context, ownerID, emotion string, intensity int) (therapy.Session, error) {
	label, err := therapy.ParseEmotion(emotion)
	if err != nil {
		return therapy.Session{}, fmt.Errorf("%w: %v", ErrInvalidEmotion, err)
	}
	if err := therapy.ValidateIntensity(intensity); err != nil {
		return therapy.Session{}, fmt.Errorf("%w: %v", ErrInvalidIntensity, err)
	}

	session := therapy.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Emotion:   label,
		Intensity: intensity,
		Mode:      therapy.ModeRemote,
		StartedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return therapy.Session{}, err
	}
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, sessionID string) (therapy.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// SaveMessage appends a message to the session history and returns it with
// its assigned ID and timestamp.
func (s *Service) SaveMessage(ctx context.Context, sessionID string, message therapy.Message) (therapy.Message, error) {
	if strings.TrimSpace(message.Content) == "" {
		return therapy.Message{}, ErrEmptyMessage
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return therapy.Message{}, err
	}
	if session.EndedAt != nil {
		return therapy.Message{}, ErrSessionEnded
	}

	message.ID = uuid.NewString()
	if message.Timestamp.IsZero() {
		message.Timestamp = s.now()
	}
	message.Provisional = false
	if err := s.store.AppendMessage(ctx, sessionID, message); err != nil {
		return therapy.Message{}, err
	}
	return message, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]therapy.Message, error) {
	return s.store.Messages(ctx, sessionID)
}

// EndSession closes the session and summarizes its transcript. Ending an
// already ended session returns the same summary.
func (s *Service) EndSession(ctx context.Context, sessionID string) (therapy.Summary, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return therapy.Summary{}, err
	}
	messages, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return therapy.Summary{}, err
	}

	if session.EndedAt == nil {
		ended := s.now()
		session.EndedAt = &ended
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return therapy.Summary{}, err
		}
	}

	summary := therapy.Summarize(session, messages)
	summary.Duration = session.EndedAt.Sub(session.StartedAt)
	summary.DominantTone = string(analysis.Dominant(userUtterances(messages), session.Emotion))
	return summary, nil
}

func userUtterances(messages []therapy.Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == therapy.RoleUser {
			out = append(out, msg.Content)
		}
	}
	return out
}
