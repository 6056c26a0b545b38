package therapy

import "time"

// Mode tells which response generator backs a session.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// Session captures one bounded therapeutic conversation.
type Session struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Emotion   Emotion    `json:"emotion"`
	Intensity int        `json:"intensity"`
	Mode      Mode       `json:"mode"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Summary is returned by end-session.
type Summary struct {
	SessionID      string        `json:"sessionId"`
	Emotion        Emotion       `json:"emotion"`
	Intensity      int           `json:"intensity"`
	MessageCount   int           `json:"messageCount"`
	UserTurns      int           `json:"userTurns"`
	AssistantTurns int           `json:"assistantTurns"`
	Duration       time.Duration `json:"duration"`
	DominantTone   string        `json:"dominantTone,omitempty"`
}

// Summarize counts turns in a transcript. Duration is measured from the
// first to the last message.
func Summarize(session Session, messages []Message) Summary {
	summary := Summary{
		SessionID:    session.ID,
		Emotion:      session.Emotion,
		Intensity:    session.Intensity,
		MessageCount: len(messages),
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			summary.UserTurns++
		case RoleAssistant:
			summary.AssistantTurns++
		}
	}
	if len(messages) > 1 {
		summary.Duration = messages[len(messages)-1].Timestamp.Sub(messages[0].Timestamp)
	}
	return summary
}
