package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/output"
	"github.com/zhouzirui/mindwell/internal/session"
)

type chatOptions struct {
	emotion   string
	intensity int
	mode      string
}

func NewChatCmd(deps *Dependencies) *cobra.Command {
	opts := chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a session and talk with the counselor",
		Long:  "Open a session for the chosen emotion and intensity.\nType a message and press enter, /rec and /stop to send voice, /log to reprint the conversation, /end to finish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), deps, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.emotion, "emotion", "e", "neutral", "How you feel: anxiety, sadness, stress, anger, loneliness, happiness, neutral")
	cmd.Flags().IntVarP(&opts.intensity, "intensity", "i", 5, "How strong the feeling is, 1 to 10")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Override SESSION_MODE: auto, remote or local")

	return cmd
}

const helpText = "Commands: /rec start voice, /stop send voice, /log show conversation, /end finish"

func runChat(ctx context.Context, deps *Dependencies, opts chatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	label, err := therapy.ParseEmotion(opts.emotion)
	if err != nil {
		return err
	}
	if err := therapy.ValidateIntensity(opts.intensity); err != nil {
		return err
	}

	ctrl, cleanup, err := buildController(deps.Config, opts.mode, deps.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	out := &syncWriter{w: deps.Out}
	f := output.NewFormatter(out)
	printer := &transcriptPrinter{f: f, ctrl: ctrl}

	startErr := ctrl.Start(ctx, session.UserContext{
		OwnerID:   deps.Config.Client.OwnerID,
		Emotion:   label,
		Intensity: opts.intensity,
	})
	if startErr != nil && !errors.Is(startErr, session.ErrInitFailed) {
		return fmt.Errorf("starting session: %w", startErr)
	}
	f.SessionStarted(ctrl.Session())
	if startErr != nil {
		f.Warning("Voice input is unavailable in this session")
	}
	f.Info(helpText)
	printer.flush()

	stopTicker := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopTicker:
				return
			case <-ticker.C:
				printer.flush()
			}
		}
	}()

	lines := readLines(deps.In)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !handleLine(ctx, ctrl, f, strings.TrimSpace(line)) {
				break loop
			}
			printer.flush()
		}
	}

	close(stopTicker)
	<-tickerDone

	summary, err := ctrl.End(context.Background())
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	printer.flush()
	f.Summary(summary)
	return nil
}

// handleLine reports false once the session should end.
func handleLine(ctx context.Context, ctrl *session.Controller, f *output.Formatter, line string) bool {
	switch line {
	case "":
		return true
	case "/end", "/quit":
		return false
	case "/help":
		f.Info(helpText)
	case "/log":
		for _, msg := range ctrl.Snapshot() {
			f.Message(msg)
		}
	case "/rec":
		if err := ctrl.BeginCapture(ctx); err != nil {
			f.Error(err.Error())
			return !errors.Is(err, session.ErrSessionEnded)
		}
		if ctrl.Status().Recording {
			f.RecordingStarted()
		}
	case "/stop":
		if err := ctrl.EndCapture(ctx); err != nil {
			f.Error(err.Error())
			return !errors.Is(err, session.ErrSessionEnded)
		}
		f.RecordingStopped()
	default:
		if _, err := ctrl.SubmitText(ctx, line); err != nil {
			if errors.Is(err, session.ErrSessionEnded) {
				return false
			}
			f.Error(err.Error())
		}
	}
	return true
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// transcriptPrinter prints log entries once, stopping at a provisional
// message until its transcript is final.
type transcriptPrinter struct {
	mu      sync.Mutex
	f       *output.Formatter
	ctrl    *session.Controller
	printed int
}

func (p *transcriptPrinter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.ctrl.Snapshot()
	for p.printed < len(snap) {
		msg := snap[p.printed]
		if msg.Provisional {
			return
		}
		p.f.Message(msg)
		p.printed++
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}
