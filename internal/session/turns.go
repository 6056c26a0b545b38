package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/fsm"
	"github.com/zhouzirui/mindwell/internal/generator"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/recognizer"
	"github.com/zhouzirui/mindwell/internal/transport"
)

type jobKind int

const (
	jobText jobKind = iota + 1
	jobAudio
)

// job is one queued turn. The worker runs them one at a time in order.
type job struct {
	ctx      context.Context
	kind     jobKind
	text     string
	audioRef string
	rec      *audio.Recording
	result   chan turnResult
}

type turnResult struct {
	msg therapy.Message
	err error
}

// SubmitText queues a user message and waits for its turn to finish. It
// returns the assistant reply, or the system message explaining a
// recoverable failure.
func (c *Controller) SubmitText(ctx context.Context, text string) (therapy.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return therapy.Message{}, ErrEmptyMessage
	}

	j := job{ctx: ctx, kind: jobText, text: text, result: make(chan turnResult, 1)}
	if err := c.enqueue(ctx, j); err != nil {
		return therapy.Message{}, err
	}
	select {
	case res := <-j.result:
		return res.msg, res.err
	case <-c.endDone:
		select {
		case res := <-j.result:
			return res.msg, res.err
		default:
			return therapy.Message{}, ErrSessionEnded
		}
	case <-ctx.Done():
		return therapy.Message{}, ctx.Err()
	}
}

func (c *Controller) acceptsInputLocked() error {
	switch {
	case c.ending || c.state == fsm.StateEnded:
		return ErrSessionEnded
	case c.state == fsm.StateConnected:
		return nil
	case c.state == fsm.StateErrored && c.textOnly:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, c.state)
	}
}

// turnsAllowedLocked reports whether a running turn may still write to the
// log. During End that holds until the channel starts closing.
func (c *Controller) turnsAllowedLocked() bool {
	switch c.state {
	case fsm.StateConnected:
		return true
	case fsm.StateErrored:
		return c.textOnly && !c.channelClosed
	case fsm.StateEnding:
		return !c.channelClosed
	default:
		return false
	}
}

// enqueue blocks while the queue is full until waitCtx is done.
func (c *Controller) enqueue(waitCtx context.Context, j job) error {
	c.mu.Lock()
	if err := c.acceptsInputLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pending++
	c.mu.Unlock()

	select {
	case c.jobs <- j:
		return nil
	case <-waitCtx.Done():
		c.donePending()
		return waitCtx.Err()
	case <-c.runCtx.Done():
		c.donePending()
		return ErrSessionEnded
	}
}

func (c *Controller) donePending() {
	c.mu.Lock()
	if c.pending > 0 {
		c.pending--
	}
	c.mu.Unlock()
}

func (c *Controller) startWorkerLocked() {
	done := make(chan struct{})
	c.workerDone = done
	go c.runWorker(done)
}

func (c *Controller) runWorker(done chan struct{}) {
	defer close(done)
	for {
		select {
		case j := <-c.jobs:
			c.process(j)
		case <-c.runCtx.Done():
			for {
				select {
				case j := <-c.jobs:
					c.finish(j, turnResult{err: ErrSessionEnded})
					c.donePending()
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) process(j job) {
	defer c.donePending()
	if err := j.ctx.Err(); err != nil {
		c.finish(j, turnResult{err: err})
		return
	}

	// End cancels whatever is still generating once the channel is closed
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(c.runCtx, cancel)
	defer stop()

	var res turnResult
	switch j.kind {
	case jobText:
		res = c.textTurn(ctx, j.text, j.audioRef)
	case jobAudio:
		res = c.audioTurn(ctx, j.rec)
	}
	c.finish(j, res)
}

func (c *Controller) finish(j job, res turnResult) {
	if j.result != nil {
		j.result <- res
	}
}

func (c *Controller) textTurn(ctx context.Context, text, audioRef string) turnResult {
	c.mu.Lock()
	if !c.turnsAllowedLocked() {
		c.mu.Unlock()
		return turnResult{err: ErrSessionEnded}
	}
	history := c.log.Snapshot()
	user, ok := c.appendLocked(therapy.Message{Role: therapy.RoleUser, Content: text, AudioRef: audioRef})
	c.mu.Unlock()
	if !ok {
		return turnResult{err: ErrSessionEnded}
	}

	reply, err := c.generate(ctx, history, user)
	if err != nil {
		return c.failedTurn(ctx, err)
	}
	return c.commitReply(history, user, reply)
}

// audioTurn handles a finished recording. On the remote path the service
// already holds the audio; the local transcript only finalizes the
// provisional user message, and runs alongside playback.
func (c *Controller) audioTurn(ctx context.Context, rec *audio.Recording) turnResult {
	c.mu.Lock()
	mode := c.session.Mode
	c.mu.Unlock()

	if mode == therapy.ModeLocal {
		utt, err := c.deps.Recognizers.Replay(rec).RecognizeOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return turnResult{err: ErrSessionEnded}
			}
			return turnResult{msg: c.appendNotice(captureNotice(err))}
		}
		return c.textTurn(ctx, utt.Text, rec.ID)
	}

	c.mu.Lock()
	if !c.turnsAllowedLocked() {
		c.mu.Unlock()
		return turnResult{err: ErrSessionEnded}
	}
	history := c.log.Snapshot()
	user, ok := c.appendLocked(therapy.Message{
		Role:        therapy.RoleUser,
		Content:     placeholderProcessing,
		AudioRef:    rec.ID,
		Provisional: true,
	})
	c.mu.Unlock()
	if !ok {
		return turnResult{err: ErrSessionEnded}
	}

	var (
		wg     sync.WaitGroup
		utt    recognizer.Utterance
		recErr error
	)
	transcribed := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.deps.Player.Play(ctx, rec); err != nil {
			c.logger.Warn("playback failed", "recording", rec.ID, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer close(transcribed)
		utt, recErr = c.deps.Recognizers.Replay(rec).RecognizeOnce(ctx)
	}()
	transcript := func() (recognizer.Utterance, error) {
		select {
		case <-transcribed:
			return utt, recErr
		case <-ctx.Done():
			return recognizer.Utterance{}, ctx.Err()
		}
	}
	reply, genErr := c.generateAudio(ctx, history, user, rec, transcript)
	wg.Wait()

	user, notice := c.finalizeTranscript(user, utt, recErr)
	var unheard *unheardError
	switch {
	case genErr == nil:
		return c.commitReply(history, user, reply)
	case errors.As(genErr, &unheard) && notice.ID != "":
		return turnResult{msg: notice}
	case errors.As(genErr, &unheard) && ctx.Err() == nil:
		return turnResult{msg: c.appendNotice(captureNotice(unheard.err))}
	default:
		return c.failedTurn(ctx, genErr)
	}
}

// unheardError ends a degraded audio turn that has no transcript to answer.
type unheardError struct {
	err error
}

func (e *unheardError) Error() string { return "recording not transcribed: " + e.err.Error() }

func (e *unheardError) Unwrap() error { return e.err }

// finalizeTranscript replaces the provisional user message. The returned
// notice is the no-speech guidance when one was appended.
func (c *Controller) finalizeTranscript(user therapy.Message, utt recognizer.Utterance, recErr error) (therapy.Message, therapy.Message) {
	content := utt.Text
	noSpeech := false
	switch {
	case recErr == nil && content != "":
	case errors.Is(recErr, recognizer.ErrNoSpeech):
		content = placeholderNoSpeech
		noSpeech = true
	default:
		if recErr != nil {
			c.logger.Debug("post-hoc transcription unavailable", "error", recErr)
		}
		content = placeholderVoice
	}

	c.log.UpdateLast(
		func(m therapy.Message) bool { return m.ID == user.ID },
		func(m therapy.Message) therapy.Message {
			m.Content = content
			m.Provisional = false
			return m
		},
	)
	user.Content = content
	user.Provisional = false
	var notice therapy.Message
	if noSpeech {
		notice = c.appendNotice(msgNoSpeech)
	}
	return user, notice
}

// generateAudio collects the reply to a closed recording window. When the
// channel that held the audio is gone, the recording is streamed again on
// the new channel, or after a degrade its transcript goes to the simulator.
func (c *Controller) generateAudio(
	ctx context.Context,
	history []therapy.Message,
	user therapy.Message,
	rec *audio.Recording,
	transcript func() (recognizer.Utterance, error),
) (string, error) {
	c.mu.Lock()
	gen := c.active
	ch := c.channel
	c.mu.Unlock()

	reply, err := gen.Generate(ctx, history, user)
	switch {
	case err == nil || ctx.Err() != nil:
		return reply, err
	case errors.Is(err, generator.ErrWindowLost):
		c.logger.Debug("recording window lost, streaming it again", "recording", rec.ID)
		if ch != nil && ch.Err() != nil {
			c.recoverTransport(ctx, ch, ch.Err())
		}
	case transport.IsTransportError(err):
		c.logger.Warn("audio turn hit a transport failure", "error", err)
		c.recoverTransport(ctx, ch, err)
	default:
		return reply, err
	}

	c.mu.Lock()
	gen = c.active
	remote := c.remote
	local := c.session.Mode == therapy.ModeLocal
	c.mu.Unlock()

	if local {
		utt, err := transcript()
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			return "", &unheardError{err: err}
		}
		spoken := user
		spoken.Content = utt.Text
		return gen.Generate(ctx, history, spoken)
	}

	if remote == nil {
		return "", &transport.Error{Op: "send", Err: transport.ErrClosed}
	}
	if err := remote.Submit(ctx, rec.ID, recordingWindow(rec, c.opts.FrameSize)...); err != nil {
		return "", err
	}
	return remote.Generate(ctx, history, user)
}

// recordingWindow is the full envelope sequence that streams rec again.
func recordingWindow(rec *audio.Recording, frameSize int) []transport.Envelope {
	frames := rec.Frames(frameSize)
	envs := make([]transport.Envelope, 0, len(frames)+2)
	envs = append(envs, transport.ActivityStart())
	for _, f := range frames {
		envs = append(envs, transport.Audio(f))
	}
	return append(envs, transport.ActivityEnd())
}

// generate runs the active generator. A transport failure triggers
// recovery and one retry on whatever generator is active afterwards.
func (c *Controller) generate(ctx context.Context, history []therapy.Message, user therapy.Message) (string, error) {
	c.mu.Lock()
	gen := c.active
	ch := c.channel
	c.mu.Unlock()

	reply, err := gen.Generate(ctx, history, user)
	if err == nil || ctx.Err() != nil || !transport.IsTransportError(err) {
		return reply, err
	}

	c.logger.Warn("generation hit a transport failure", "error", err)
	c.recoverTransport(ctx, ch, err)
	c.mu.Lock()
	gen = c.active
	c.mu.Unlock()
	return gen.Generate(ctx, history, user)
}

func (c *Controller) commitReply(history []therapy.Message, user therapy.Message, reply string) turnResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(reply) == "" {
		reply = c.sim.Reply(history, user.Content)
	}
	if !c.turnsAllowedLocked() {
		c.logger.Debug("discarded reply after channel close")
		return turnResult{err: ErrSessionEnded}
	}
	msg, ok := c.appendLocked(therapy.Message{Role: therapy.RoleAssistant, Content: reply})
	if !ok {
		return turnResult{err: ErrSessionEnded}
	}
	return turnResult{msg: msg}
}

func (c *Controller) failedTurn(ctx context.Context, err error) turnResult {
	if ctx.Err() != nil {
		if c.runCtx.Err() != nil {
			return turnResult{err: ErrSessionEnded}
		}
		return turnResult{err: ctx.Err()}
	}

	var svcErr *generator.ServiceError
	notice := msgGeneric
	switch {
	case generator.IsRetryable(err):
		notice = msgTimeout
	case errors.As(err, &svcErr):
		notice = msgService + svcErr.Message
	case transport.IsTransportError(err):
		notice = msgConnection
	}
	c.logger.Warn("turn failed", "error", err)
	return turnResult{msg: c.appendNotice(notice)}
}

// appendNotice appends a system message while turns may still write.
func (c *Controller) appendNotice(text string) therapy.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.turnsAllowedLocked() {
		return therapy.Message{}
	}
	msg, _ := c.appendLocked(systemMessage(text))
	return msg
}
