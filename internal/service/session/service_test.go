package session_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
	sessionsvc "github.com/zhouzirui/mindwell/internal/service/session"
)

func TestServiceCreateAndGetSession(t *testing.T) {
	svc := sessionsvc.NewService(nil)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "anxious", 8)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if session.Emotion != therapy.Anxiety {
		t.Fatalf("unexpected emotion: %s", session.Emotion)
	}

	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if got.ID != session.ID || got.OwnerID != "owner-1" || got.Intensity != 8 {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestServiceRejectsInvalidInput(t *testing.T) {
	svc := sessionsvc.NewService(nil)
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "", "boredom", 5); !errors.Is(err, sessionsvc.ErrInvalidEmotion) {
		t.Fatalf("expected ErrInvalidEmotion, got %v", err)
	}
	if _, err := svc.CreateSession(ctx, "", "sadness", 11); !errors.Is(err, sessionsvc.ErrInvalidIntensity) {
		t.Fatalf("expected ErrInvalidIntensity, got %v", err)
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := sessionsvc.NewService(nil)
	if _, err := svc.GetSession(context.Background(), "missing"); !errors.Is(err, sessionsvc.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestServiceTranscriptAndEnd(t *testing.T) {
	runTranscriptScenario(t, sessionsvc.NewService(sessionsvc.NewMemoryStore()))
}

func TestRedisStoreTranscriptAndEnd(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	store, err := sessionsvc.NewRedisStore(context.Background(), sessionsvc.RedisOptions{Addr: addr, TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedisStore err: %v", err)
	}
	defer store.Close()

	runTranscriptScenario(t, sessionsvc.NewService(store))
}

func runTranscriptScenario(t *testing.T, svc *sessionsvc.Service) {
	t.Helper()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner", "stress", 6)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	if _, err := svc.SaveMessage(ctx, session.ID, therapy.Message{Role: therapy.RoleUser, Content: "   "}); !errors.Is(err, sessionsvc.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	turns := []therapy.Message{
		{Role: therapy.RoleAssistant, Content: "Welcome."},
		{Role: therapy.RoleUser, Content: "I am so worried about the exam"},
		{Role: therapy.RoleAssistant, Content: "Let's breathe together."},
		{Role: therapy.RoleUser, Content: "I keep panicking, I'm anxious"},
	}
	for _, msg := range turns {
		saved, err := svc.SaveMessage(ctx, session.ID, msg)
		if err != nil {
			t.Fatalf("SaveMessage err: %v", err)
		}
		if saved.ID == "" || saved.Timestamp.IsZero() {
			t.Fatalf("expected id and timestamp, got %+v", saved)
		}
	}

	transcript, err := svc.LoadTranscript(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadTranscript err: %v", err)
	}
	if len(transcript) != len(turns) {
		t.Fatalf("unexpected transcript length: %d", len(transcript))
	}
	for i, msg := range transcript {
		if msg.Content != turns[i].Content {
			t.Fatalf("message %d out of order: %q", i, msg.Content)
		}
	}

	summary, err := svc.EndSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("EndSession err: %v", err)
	}
	if summary.MessageCount != 4 || summary.UserTurns != 2 || summary.AssistantTurns != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.DominantTone != string(therapy.Anxiety) {
		t.Fatalf("unexpected dominant tone: %s", summary.DominantTone)
	}

	if _, err := svc.SaveMessage(ctx, session.ID, therapy.Message{Role: therapy.RoleUser, Content: "still there?"}); !errors.Is(err, sessionsvc.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}

	again, err := svc.EndSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("second EndSession err: %v", err)
	}
	if again.MessageCount != summary.MessageCount || again.Duration != summary.Duration {
		t.Fatalf("second summary differs: %+v vs %+v", again, summary)
	}
}
