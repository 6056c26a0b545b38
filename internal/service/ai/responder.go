package ai

import (
	"context"

	"github.com/zhouzirui/mindwell/internal/generator"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	emotionservice "github.com/zhouzirui/mindwell/internal/service/emotion"
)

// Responder produces the counselor reply for one user turn.
type Responder interface {
	Reply(ctx context.Context, session therapy.Session, history []therapy.Message, userText string) (string, error)
}

// LLMResponder runs emotion analysis before invoking the reply chain.
type LLMResponder struct {
	AI       *Service
	Emotions *emotionservice.Service
}

func (r LLMResponder) Reply(ctx context.Context, session therapy.Session, history []therapy.Message, userText string) (string, error) {
	guidance := r.Emotions.Analyze(ctx, session, history, userText)
	return r.AI.GenerateResponse(ctx, session, history, userText, &guidance)
}

// TemplateResponder answers with the same scripted templates the client
// uses offline. It serves when no chat model is configured.
type TemplateResponder struct {
	Options []generator.SimulatorOption
}

func (r TemplateResponder) Reply(_ context.Context, session therapy.Session, history []therapy.Message, userText string) (string, error) {
	sim := generator.NewSimulator(session.Emotion, session.Intensity, r.Options...)
	return sim.Reply(history, userText), nil
}
