package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/mindwell/internal/analysis/emotion"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

// Config 控制情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Guidance 表示情绪分析的结果以及对回复语气的建议。
type Guidance struct {
	Decision   analysis.Decision
	Style      string
	Confidence float32
	Reason     string
}

// Service 使用大模型对会话情绪进行分析，并在必要时回退到关键词规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
}

// NewService 创建情绪分析服务。chatModel 可重用现有的大模型实例，为 nil 时只使用关键词规则。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		historyLimit: historyLimit,
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(emotionSystemPrompt),
		schema.UserMessage(emotionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型分类是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Analyze 根据会话设定与历史对话推断用户最新输入的情绪，用于在回复前调整语气。
func (s *Service) Analyze(ctx context.Context, session therapy.Session, history []therapy.Message, userMessage string) Guidance {
	if !s.Enabled() {
		return fallbackGuidance(session, userMessage)
	}

	input := map[string]any{
		"session":      summarizeSession(session),
		"history":      formatHistory(history, s.historyLimit),
		"user_message": strings.TrimSpace(userMessage),
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		log.Printf("[emotion] classifier invoke failed, use fallback: %v", err)
		return fallbackGuidance(session, userMessage)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return fallbackGuidance(session, userMessage)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[emotion] classifier output parse failed, use fallback: %v", err)
		return fallbackGuidance(session, userMessage)
	}

	label, err := therapy.ParseEmotion(result.Emotion)
	if err != nil || strings.TrimSpace(result.Emotion) == "" {
		return fallbackGuidance(session, userMessage)
	}

	intensity := result.Intensity
	if intensity <= 0 {
		intensity = session.Intensity
	}
	decision := analysis.Decision{
		Emotion:   label,
		Intensity: therapy.ClampIntensity(intensity),
		Score:     therapy.ClampIntensity(intensity),
	}

	style := strings.TrimSpace(result.Style)
	if style == "" {
		style = defaultStyleByEmotion[decision.Emotion]
	}

	confidence := result.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	return Guidance{
		Decision:   decision,
		Style:      style,
		Confidence: confidence,
		Reason:     strings.TrimSpace(result.Reason),
	}
}

// fallbackGuidance 用关键词规则分析；没有命中时沿用会话开场时选择的情绪。
func fallbackGuidance(session therapy.Session, userMessage string) Guidance {
	decision := analysis.Analyze(userMessage)
	confidence := float32(0.55)
	if decision.Score == 0 {
		decision = analysis.Decision{
			Emotion:   session.Emotion,
			Intensity: session.Intensity,
		}
		if decision.Emotion == "" {
			decision.Emotion = therapy.Neutral
		}
		confidence = 0.3
	}

	style := defaultStyleByEmotion[decision.Emotion]
	if style == "" {
		style = "保持温和、耐心的语气。"
	}

	return Guidance{
		Decision:   decision,
		Style:      style,
		Confidence: confidence,
		Reason:     "fallback",
	}
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func summarizeSession(session therapy.Session) string {
	label := session.Emotion
	if label == "" {
		label = therapy.Neutral
	}
	return fmt.Sprintf("开场情绪:%s | 自评强度:%d/%d", label, session.Intensity, therapy.MaxIntensity)
}

func formatHistory(messages []therapy.Message, limit int) string {
	if len(messages) == 0 {
		return "无历史对话"
	}
	if limit < 1 {
		limit = 1
	}
	start := len(messages) - limit
	if start < 0 {
		start = 0
	}

	var builder strings.Builder
	for i := start; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role == therapy.RoleSystem {
			continue
		}
		role := "用户"
		if msg.Role == therapy.RoleAssistant {
			role = "咨询师"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(role)
		builder.WriteString(": ")
		builder.WriteString(content)
	}
	if builder.Len() == 0 {
		return "无历史对话"
	}
	return builder.String()
}

type classifierPayload struct {
	Emotion    string  `json:"emotion"`
	Intensity  int     `json:"intensity"`
	Confidence float32 `json:"confidence"`
	Style      string  `json:"style"`
	Reason     string  `json:"reason"`
}

const emotionSystemPrompt = "你是一名心理咨询场景中的情绪分析师。请阅读会话设定、历史对话与用户最新输入，推断用户当前情绪，并给出咨询师回复应该采用的语气建议。\n输出要求：只返回一个 JSON 对象，字段如下：emotion (必须是 anxiety/sadness/stress/anger/loneliness/happiness/neutral 之一)、intensity (1~10 的整数)、confidence (0~1 之间的小数)、style (一句话描述建议的语气)、reason (简要中文理由)。不得输出多余文本。"

const emotionUserPrompt = "会话设定：\n{session}\n\n最近对话：\n{history}\n\n用户最新输入：\n{user_message}\n\n请基于这些信息给出 JSON。"

var defaultStyleByEmotion = map[therapy.Emotion]string{
	therapy.Anxiety:    "语气平稳、放慢节奏，帮助用户回到当下，可引导简单的呼吸练习。",
	therapy.Sadness:    "语气柔和、富有同理心，先接纳情绪，不急于给建议。",
	therapy.Stress:     "语气沉稳、有条理，帮助用户拆分问题、找到可控的一小步。",
	therapy.Anger:      "语气冷静、不评判，先承认感受是合理的，再帮助平复。",
	therapy.Loneliness: "语气温暖、陪伴感强，让用户感到被倾听与被看见。",
	therapy.Happiness:  "语气轻快，真诚地肯定用户的积极体验并鼓励延续。",
	therapy.Neutral:    "语气平和、耐心，用开放式问题邀请用户多说一些。",
}
