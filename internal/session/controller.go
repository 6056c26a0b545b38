// Package session drives one therapy conversation: capture, transport,
// generation and the conversation log, behind a single state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/mindwell/internal/analysis/emotion"
	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/conversation"
	"github.com/zhouzirui/mindwell/internal/fsm"
	"github.com/zhouzirui/mindwell/internal/generator"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/recognizer"
	"github.com/zhouzirui/mindwell/internal/transport"
)

var (
	ErrInvalidState = errors.New("invalid session state")
	ErrSessionEnded = errors.New("session ended")
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInitFailed is returned by Start when no backend could be used and
	// local fallback is disabled. The session is then errored.
	ErrInitFailed = errors.New("session initialization failed")
)

// Policy decides when the remote path is tried.
type Policy string

const (
	// PolicyAuto probes the backend first and goes local when it is down.
	PolicyAuto Policy = "auto"
	// PolicyRemote always tries the backend.
	PolicyRemote Policy = "remote"
	// PolicyLocal never contacts a backend.
	PolicyLocal Policy = "local"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyRemote:
		return PolicyRemote, nil
	case PolicyLocal:
		return PolicyLocal, nil
	default:
		return "", fmt.Errorf("unknown session mode %q", raw)
	}
}

// Backend is the session lifecycle collaborator.
type Backend interface {
	Probe(ctx context.Context) error
	StartSession(ctx context.Context, e therapy.Emotion, intensity int) (string, error)
	EndSession(ctx context.Context, sessionID string) (therapy.Summary, error)
}

// Options tune a controller.
type Options struct {
	Policy Policy
	// LocalFallback lets a failed remote start continue on the simulator.
	LocalFallback     bool
	GenerationTimeout time.Duration
	ProbeTimeout      time.Duration
	FrameSize         int
	SampleRate        int
}

func DefaultOptions() Options {
	return Options{
		Policy:            PolicyAuto,
		LocalFallback:     true,
		GenerationTimeout: generator.DefaultTimeout,
		ProbeTimeout:      time.Second,
		FrameSize:         audio.DefaultFrameSize,
		SampleRate:        audio.DefaultSampleRate,
	}
}

// Deps are the collaborators resolved at the composition boundary. Any of
// them may be nil; the controller degrades accordingly.
type Deps struct {
	Backend     Backend
	Dialer      transport.Dialer
	Device      audio.Device
	Recognizers *recognizer.Factory
	Player      audio.Player
	Logger      *slog.Logger
	Clock       func() time.Time
	Simulator   []generator.SimulatorOption
}

// UserContext is what the user chose when opening the session.
type UserContext struct {
	OwnerID   string
	Emotion   therapy.Emotion
	Intensity int
}

// Status is derived from the controller state; nothing in it is stored
// separately.
type Status struct {
	State     fsm.State
	Recording bool
	Mode      therapy.Mode
	Pending   int
}

// Controller owns the session, its log, its capture stream and its channel.
type Controller struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	log    *conversation.Log
	now    func() time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// captureMu serializes BeginCapture and EndCapture.
	captureMu sync.Mutex
	// recoverMu serializes transport recovery.
	recoverMu sync.Mutex

	mu             sync.Mutex
	state          fsm.State
	session        therapy.Session
	backendSession bool
	textOnly       bool
	recording      bool
	capture        capture
	channel        transport.Channel
	channelClosed  bool
	reconnectUsed  bool
	remote         *generator.Remote
	sim            *generator.Simulator
	active         generator.Generator
	recordings     map[string]*audio.Recording
	pending        int
	jobs           chan job
	workerDone     chan struct{}
	startDone      chan struct{}
	startCancel    context.CancelFunc
	ending         bool
	endDone        chan struct{}
	summary        therapy.Summary
}

func NewController(opts Options, deps Deps) *Controller {
	defaults := DefaultOptions()
	if opts.Policy == "" {
		opts.Policy = defaults.Policy
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaults.GenerationTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = defaults.FrameSize
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaults.SampleRate
	}
	if deps.Player == nil {
		deps.Player = audio.NopPlayer{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:       opts,
		deps:       deps,
		logger:     logger,
		log:        conversation.NewLogWithClock(deps.Clock),
		now:        deps.Clock,
		runCtx:     runCtx,
		runCancel:  cancel,
		state:      fsm.StateIdle,
		recordings: make(map[string]*audio.Recording),
		jobs:       make(chan job, 32),
		endDone:    make(chan struct{}),
	}
}

// Status returns the current derived status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Recording: c.recording,
		Mode:      c.session.Mode,
		Pending:   c.pending,
	}
}

// Session returns a copy of the session record.
func (c *Controller) Session() therapy.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Snapshot returns the conversation log in order.
func (c *Controller) Snapshot() []therapy.Message {
	return c.log.Snapshot()
}

// Recording returns the buffered recording behind a message's AudioRef.
func (c *Controller) Recording(ref string) (*audio.Recording, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recordings[ref]
	return rec, ok
}

func (c *Controller) transitionLocked(event fsm.Event) error {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	c.logger.Debug("session transition", "from", c.state, "event", event, "to", next)
	c.state = next
	return nil
}

// Start opens the session. It returns once the session is connected on the
// remote path or the simulator, or has failed.
func (c *Controller) Start(ctx context.Context, uc UserContext) error {
	e, err := therapy.ParseEmotion(string(uc.Emotion))
	if err != nil {
		return err
	}
	if err := therapy.ValidateIntensity(uc.Intensity); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.transitionLocked(fsm.EventStart); err != nil {
		c.mu.Unlock()
		return err
	}
	startDone := make(chan struct{})
	c.startDone = startDone
	// End cancels the handshake instead of waiting it out
	connCtx, cancelConnect := context.WithCancel(ctx)
	c.startCancel = cancelConnect
	c.sim = generator.NewSimulator(e, uc.Intensity, c.deps.Simulator...)
	c.session = therapy.Session{
		OwnerID:   uc.OwnerID,
		Emotion:   e,
		Intensity: uc.Intensity,
		StartedAt: c.now().UTC(),
	}
	c.mu.Unlock()
	defer close(startDone)

	conn, connErr := c.connect(connCtx, e, uc.Intensity)
	cancelConnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != fsm.StateInitializing {
		// ended while connecting; End closes a backend session that was
		// already opened
		if conn.channel != nil {
			_ = conn.channel.Close()
		}
		c.session.ID = conn.sessionID
		c.backendSession = conn.backendSession
		return ErrSessionEnded
	}

	c.session.ID = conn.sessionID
	if c.session.ID == "" {
		c.session.ID = uuid.NewString()
	}
	c.backendSession = conn.backendSession
	c.appendLocked(therapy.Message{Role: therapy.RoleAssistant, Content: c.sim.Welcome()})

	switch {
	case conn.channel != nil:
		c.session.Mode = therapy.ModeRemote
		c.channel = conn.channel
		c.remote = generator.NewRemote(conn.channel.Send, c.opts.GenerationTimeout, c.logger)
		c.active = c.remote
		c.wg.Add(1)
		go c.pump(conn.channel)
	case connErr != nil && !c.opts.LocalFallback:
		c.session.Mode = therapy.ModeLocal
		c.active = c.sim
		c.textOnly = true
		c.appendLocked(systemMessage(msgInitFailed))
		_ = c.transitionLocked(fsm.EventFail)
		c.startWorkerLocked()
		c.logger.Error("session initialization failed", "error", connErr)
		return fmt.Errorf("%w: %v", ErrInitFailed, connErr)
	default:
		c.session.Mode = therapy.ModeLocal
		c.active = c.sim
		if connErr != nil {
			c.logger.Warn("remote session unavailable, using simulator", "error", connErr)
			c.appendLocked(systemMessage(msgOffline))
		}
	}

	if err := c.transitionLocked(fsm.EventConnect); err != nil {
		return err
	}
	c.startWorkerLocked()
	c.logger.Info("session connected", "session_id", c.session.ID, "mode", c.session.Mode)
	return nil
}

type connection struct {
	sessionID      string
	backendSession bool
	channel        transport.Channel
}

// connect applies the mode policy. A nil error with no channel means the
// simulator was chosen on purpose.
func (c *Controller) connect(ctx context.Context, e therapy.Emotion, intensity int) (connection, error) {
	var conn connection
	if c.opts.Policy == PolicyLocal || c.deps.Backend == nil || c.deps.Dialer == nil {
		return conn, nil
	}

	if c.opts.Policy == PolicyAuto {
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		err := c.deps.Backend.Probe(probeCtx)
		cancel()
		if err != nil {
			c.logger.Info("backend unreachable, going local", "error", err)
			return conn, nil
		}
	}

	id, err := c.deps.Backend.StartSession(ctx, e, intensity)
	if err != nil {
		return conn, fmt.Errorf("start session: %w", err)
	}
	conn.sessionID = id
	conn.backendSession = true

	ch, err := c.deps.Dialer.Dial(ctx, id)
	if err != nil {
		return conn, fmt.Errorf("open channel: %w", err)
	}
	conn.channel = ch
	return conn, nil
}

// End tears the session down and returns its summary. Calling it again, or
// concurrently, waits for the first call and returns the same summary.
func (c *Controller) End(ctx context.Context) (therapy.Summary, error) {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		select {
		case <-c.endDone:
		case <-ctx.Done():
			return therapy.Summary{}, ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.summary, nil
	}
	c.ending = true
	if !fsm.IsTerminal(c.state) {
		_ = c.transitionLocked(fsm.EventEnd)
	}
	startDone := c.startDone
	startCancel := c.startCancel
	c.mu.Unlock()
	defer close(c.endDone)

	if startCancel != nil {
		startCancel()
	}
	if startDone != nil {
		<-startDone
	}

	// microphone first, so no frame can race the channel teardown
	c.captureMu.Lock()
	c.mu.Lock()
	capt := c.capture
	c.capture = nil
	c.recording = false
	c.mu.Unlock()
	if capt != nil {
		capt.release()
	}
	c.captureMu.Unlock()

	c.mu.Lock()
	c.channelClosed = true
	ch := c.channel
	c.mu.Unlock()
	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Warn("channel close failed", "error", err)
		}
	}

	c.runCancel()
	c.mu.Lock()
	workerDone := c.workerDone
	c.mu.Unlock()
	if workerDone != nil {
		<-workerDone
	}
	c.wg.Wait()

	summary := c.summarize(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sim != nil {
		c.appendLocked(systemMessage(c.sim.Closing()))
	} else {
		c.appendLocked(systemMessage(msgEnded))
	}
	c.log.Finalize()
	ended := c.now().UTC()
	c.session.EndedAt = &ended
	if c.state == fsm.StateEnding {
		_ = c.transitionLocked(fsm.EventEnded)
	}
	summary.MessageCount = c.log.Len()
	c.summary = summary
	c.logger.Info("session ended", "session_id", c.session.ID, "messages", summary.MessageCount)
	return summary, nil
}

func (c *Controller) summarize(ctx context.Context) therapy.Summary {
	c.mu.Lock()
	sess := c.session
	remote := c.backendSession
	c.mu.Unlock()

	messages := c.log.Snapshot()
	local := therapy.Summarize(sess, messages)
	var utterances []string
	for _, m := range messages {
		if m.Role == therapy.RoleUser {
			utterances = append(utterances, m.Content)
		}
	}
	local.DominantTone = string(emotion.Dominant(utterances, sess.Emotion))

	if !remote || c.deps.Backend == nil {
		return local
	}
	summary, err := c.deps.Backend.EndSession(ctx, sess.ID)
	if err != nil {
		c.logger.Warn("end-session failed, using local summary", "error", err)
		return local
	}
	if summary.DominantTone == "" {
		summary.DominantTone = local.DominantTone
	}
	summary.UserTurns = local.UserTurns
	summary.AssistantTurns = local.AssistantTurns
	return summary
}

// appendLocked appends to the log; callers hold c.mu.
func (c *Controller) appendLocked(msg therapy.Message) (therapy.Message, bool) {
	stored, err := c.log.Append(msg)
	if err != nil {
		c.logger.Warn("dropped message after finalize", "role", msg.Role)
		return therapy.Message{}, false
	}
	return stored, true
}

func systemMessage(text string) therapy.Message {
	return therapy.Message{Role: therapy.RoleSystem, Content: text}
}
