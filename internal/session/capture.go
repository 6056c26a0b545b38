package session

import (
	"context"
	"fmt"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/fsm"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/recognizer"
	"github.com/zhouzirui/mindwell/internal/transport"
)

// capture is the active Recording sub-state. release stops it without
// producing a turn.
type capture interface {
	release()
}

type remoteCapture struct {
	stream *audio.Stream
}

func (r *remoteCapture) release() { _, _ = r.stream.Close() }

type localCapture struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *localCapture) release() {
	l.cancel()
	<-l.done
}

// BeginCapture enters the Recording sub-state. It is a no-op while already
// recording. Microphone and recognizer failures are reported in the log.
func (c *Controller) BeginCapture(ctx context.Context) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.mu.Lock()
	if c.state != fsm.StateConnected || c.ending {
		state := c.state
		c.mu.Unlock()
		if c.ending || fsm.IsTerminal(state) {
			return ErrSessionEnded
		}
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	if c.recording {
		c.mu.Unlock()
		return nil
	}
	mode := c.session.Mode
	ch := c.channel
	c.mu.Unlock()

	if mode == therapy.ModeLocal {
		c.beginLocalCapture()
		return nil
	}

	err := c.beginRemoteCapture(ch)
	if err == nil {
		return nil
	}
	c.recoverTransport(ctx, ch, err)

	c.mu.Lock()
	mode = c.session.Mode
	ch = c.channel
	c.mu.Unlock()
	if mode == therapy.ModeLocal {
		c.beginLocalCapture()
		return nil
	}
	if err := c.beginRemoteCapture(ch); err != nil {
		c.logger.Warn("could not open recording window", "error", err)
		c.appendNotice(msgConnection)
	}
	return nil
}

func (c *Controller) beginRemoteCapture(ch transport.Channel) error {
	if ch == nil {
		return &transport.Error{Op: "send", Err: transport.ErrClosed}
	}
	if err := ch.Send(c.runCtx, transport.ActivityStart()); err != nil {
		return err
	}

	pipeline := &audio.Pipeline{
		Device:     c.deps.Device,
		FrameSize:  c.opts.FrameSize,
		SampleRate: c.opts.SampleRate,
		Record:     true,
		Logger:     c.logger,
	}
	stream, err := pipeline.Open(c.runCtx, c.forwardFrame)
	if err != nil {
		c.logger.Warn("microphone unavailable", "error", err)
		c.appendNotice(captureNotice(err))
		return nil
	}

	c.mu.Lock()
	c.recording = true
	c.capture = &remoteCapture{stream: stream}
	c.mu.Unlock()
	return nil
}

// forwardFrame runs on the capture goroutine. Frames are dropped while no
// channel is open; the recording still keeps them.
func (c *Controller) forwardFrame(frame audio.Frame) {
	c.mu.Lock()
	ch := c.channel
	closed := c.channelClosed
	c.mu.Unlock()
	if ch == nil || closed {
		return
	}
	if err := ch.Send(c.runCtx, transport.Audio(frame)); err != nil {
		c.logger.Debug("audio frame not sent", "seq", frame.Seq, "error", err)
	}
}

func (c *Controller) beginLocalCapture() {
	factory := c.deps.Recognizers
	if !factory.LiveAvailable() {
		c.appendNotice(captureNotice(recognizer.ErrUnavailable))
		return
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	lc := &localCapture{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.recording = true
	c.capture = lc
	c.mu.Unlock()

	go c.listen(ctx, lc, factory.Live())
}

// listen re-arms the live recognizer after every utterance. The first
// failure, NoSpeech included, ends the Recording sub-state.
func (c *Controller) listen(ctx context.Context, lc *localCapture, rec recognizer.Recognizer) {
	defer close(lc.done)
	for {
		utt, err := rec.RecognizeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.mu.Lock()
			owned := c.capture == lc
			if owned {
				c.capture = nil
				c.recording = false
			}
			c.mu.Unlock()
			if owned {
				c.logger.Info("listening stopped", "error", err)
				c.appendNotice(captureNotice(err))
			}
			return
		}

		if err := c.enqueue(ctx, job{ctx: c.runCtx, kind: jobText, text: utt.Text}); err != nil {
			c.logger.Debug("utterance not queued", "error", err)
			return
		}
	}
}

// EndCapture leaves the Recording sub-state. It is a no-op when not
// recording. Once it returns no further frame is sent.
func (c *Controller) EndCapture(ctx context.Context) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	capt := c.capture
	c.capture = nil
	c.recording = false
	c.mu.Unlock()

	lc, isLocal := capt.(*localCapture)
	if isLocal {
		lc.release()
		return nil
	}

	rc := capt.(*remoteCapture)
	rec, err := rc.stream.Close()
	if err != nil {
		c.logger.Warn("capture stopped with error", "error", err)
	}
	if rec == nil || len(rec.Samples) == 0 {
		c.appendNotice(msgNoSpeech)
		return nil
	}

	c.mu.Lock()
	c.recordings[rec.ID] = rec
	remote := c.remote
	open := c.session.Mode == therapy.ModeRemote && c.channel != nil && !c.channelClosed
	c.mu.Unlock()

	// the window closes here, before a later BeginCapture can open the next
	// one; the audio turn only collects the reply
	if open {
		if err := remote.Submit(c.runCtx, rec.ID, transport.ActivityEnd()); err != nil {
			c.logger.Warn("could not close recording window", "recording", rec.ID, "error", err)
		}
	}
	if err := c.enqueue(ctx, job{ctx: c.runCtx, kind: jobAudio, rec: rec}); err != nil {
		c.logger.Debug("audio turn not queued", "error", err)
	}
	return nil
}
