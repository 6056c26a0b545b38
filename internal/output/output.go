package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Message(msg therapy.Message) {
	switch msg.Role {
	case therapy.RoleUser:
		fmt.Fprintf(f.w, "🧑 you: %s\n", msg.Content)
	case therapy.RoleAssistant:
		fmt.Fprintf(f.w, "💬 counselor: %s\n", msg.Content)
	default:
		fmt.Fprintf(f.w, "ℹ️  %s\n", msg.Content)
	}
}

func (f *Formatter) SessionStarted(sess therapy.Session) {
	fmt.Fprintf(f.w, "🌿 Session %s started (%s, %d/%d, %s mode)\n",
		shortID(sess.ID), sess.Emotion, sess.Intensity, therapy.MaxIntensity, sess.Mode)
}

func (f *Formatter) RecordingStarted() {
	fmt.Fprintf(f.w, "🎙️  Recording... type /stop when you are done\n")
}

func (f *Formatter) RecordingStopped() {
	fmt.Fprintf(f.w, "⏹️  Recording stopped\n")
}

func (f *Formatter) Summary(s therapy.Summary) {
	fmt.Fprintf(f.w, "\n📋 Session summary\n")
	fmt.Fprintf(f.w, "   Emotion:      %s (%d/%d)\n", s.Emotion, s.Intensity, therapy.MaxIntensity)
	if s.DominantTone != "" {
		fmt.Fprintf(f.w, "   Tone:         %s\n", s.DominantTone)
	}
	fmt.Fprintf(f.w, "   Messages:     %d (you %d, counselor %d)\n", s.MessageCount, s.UserTurns, s.AssistantTurns)
	fmt.Fprintf(f.w, "   Duration:     %s\n", formatDuration(s.Duration))
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "❌ %s: %s\n", name, detail)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
