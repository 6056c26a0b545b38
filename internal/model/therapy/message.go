package therapy

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation log.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// AudioRef points at a locally buffered recording, if any.
	AudioRef string `json:"audioRef,omitempty"`
	// Provisional is set on a user message whose transcript is still pending.
	Provisional bool `json:"provisional,omitempty"`
}
