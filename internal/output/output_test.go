package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "0s", formatDuration(0))
	require.Equal(t, "45s", formatDuration(45*time.Second))
	require.Equal(t, "2m 5s", formatDuration(125*time.Second))
	require.Equal(t, "1h", formatDuration(time.Hour))
}

func TestMessageByRole(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.Message(therapy.Message{Role: therapy.RoleUser, Content: "hi"})
	f.Message(therapy.Message{Role: therapy.RoleAssistant, Content: "hello"})
	f.Message(therapy.Message{Role: therapy.RoleSystem, Content: "offline"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "you: hi")
	require.Contains(t, lines[1], "counselor: hello")
	require.Contains(t, lines[2], "offline")
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	NewFormatter(&buf).Summary(therapy.Summary{
		Emotion: therapy.Stress, Intensity: 6, MessageCount: 5, UserTurns: 2, AssistantTurns: 3,
		Duration: 90 * time.Second, DominantTone: "anxiety",
	})
	out := buf.String()
	require.Contains(t, out, "stress (6/10)")
	require.Contains(t, out, "Tone:         anxiety")
	require.Contains(t, out, "you 2, counselor 3")
	require.Contains(t, out, "1m 30s")
}
