package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
	emotionservice "github.com/zhouzirui/mindwell/internal/service/emotion"
)

const historyLimit = 10

// Service encapsulates AI-powered therapy replies.
type Service struct {
	chatModel model.ChatModel
	prompts   *TherapyPromptManager
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the reply chain on top of a chat model.
func NewService(ctx context.Context, chatModel model.ChatModel) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		prompts:   NewTherapyPromptManager(),
		chain:     runnable,
	}, nil
}

// GenerateResponse generates the counselor reply for the latest user message.
func (s *Service) GenerateResponse(ctx context.Context, session therapy.Session, history []therapy.Message, userMessage string, guidance *emotionservice.Guidance) (string, error) {
	input := map[string]any{
		"system":  s.buildSystemPrompt(session, guidance),
		"history": buildHistoryMessages(history),
		"query":   userMessage,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response for session=%s, emotion=%s, length=%d", session.ID, session.Emotion, len(response.Content))
	return strings.TrimSpace(response.Content), nil
}

// GetChatModel 返回底层的聊天模型
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

func (s *Service) buildSystemPrompt(session therapy.Session, guidance *emotionservice.Guidance) string {
	return appendGuidance(s.prompts.BuildSystemPrompt(session), guidance)
}

func appendGuidance(base string, guidance *emotionservice.Guidance) string {
	if guidance == nil || guidance.Decision.Emotion == "" {
		return base
	}

	decision := guidance.Decision
	var builder strings.Builder
	builder.WriteString(base)
	builder.WriteString("\n\n基于用户最新输入的情绪分析：")
	builder.WriteString(describeEmotion(decision.Emotion))
	if decision.Intensity > 0 {
		builder.WriteString(fmt.Sprintf("强度约 %d/%d。", decision.Intensity, therapy.MaxIntensity))
	}
	if guidance.Style != "" {
		builder.WriteString("\n回复建议：")
		builder.WriteString(guidance.Style)
	}
	if guidance.Reason != "" && guidance.Reason != "fallback" {
		builder.WriteString("\n情绪推断理由：")
		builder.WriteString(guidance.Reason)
	}
	return builder.String()
}

func buildHistoryMessages(messages []therapy.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case therapy.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case therapy.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

func describeEmotion(label therapy.Emotion) string {
	switch label {
	case therapy.Anxiety:
		return "用户感到焦虑不安，需要放慢节奏、帮助其回到当下。"
	case therapy.Sadness:
		return "用户情绪低落，需要温柔的陪伴与接纳。"
	case therapy.Stress:
		return "用户压力很大，需要帮助其梳理并找到可控的一小步。"
	case therapy.Anger:
		return "用户感到愤怒或不满，需要冷静、不评判地回应。"
	case therapy.Loneliness:
		return "用户感到孤单，需要被倾听与被看见。"
	case therapy.Happiness:
		return "用户情绪积极，可以真诚地分享这份喜悦。"
	case therapy.Neutral:
		return "用户情绪平和，请保持自然、耐心的语气。"
	default:
		return fmt.Sprintf("情绪标签=%s。", string(label))
	}
}
