// Package recognizer wraps single-shot speech recognition behind one
// interface, whatever the platform capability underneath.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/speech"
)

var (
	// ErrNoSpeech means the attempt finished without recognizable speech.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrPermissionDenied means the microphone could not be used.
	ErrPermissionDenied = errors.New("speech recognition permission denied")
	// ErrUnavailable means the platform has no recognition capability.
	ErrUnavailable = errors.New("speech recognition unavailable")
)

// RecognitionError wraps any other failure of an attempt.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string { return "speech recognition failed: " + e.Err.Error() }

func (e *RecognitionError) Unwrap() error { return e.Err }

// Utterance is one finalized recognition result.
type Utterance struct {
	Text       string
	Confidence float64
}

// Recognizer performs independent single-shot recognition attempts.
type Recognizer interface {
	RecognizeOnce(ctx context.Context) (Utterance, error)
}

// VADConfig controls the energy gate that finds the utterance boundaries.
type VADConfig struct {
	// Threshold is the frame RMS, relative to full scale, counted as speech.
	Threshold float64
	// Silence ends an utterance once this much quiet follows speech.
	Silence time.Duration
	// ListenTimeout gives up when no speech starts within it.
	ListenTimeout time.Duration
	// MaxUtterance caps the length of one utterance.
	MaxUtterance time.Duration
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:     0.02,
		Silence:       1200 * time.Millisecond,
		ListenTimeout: 6 * time.Second,
		MaxUtterance:  20 * time.Second,
	}
}

// Platform describes the capabilities detected at the composition boundary.
type Platform struct {
	Device      audio.Device
	Transcriber speech.Transcriber
	SampleRate  int
	// FrameSize is the analysis block, 100ms at 16kHz by default.
	FrameSize int
	VAD       VADConfig
	Logger    *slog.Logger
}

// Factory hands out recognizers for one platform.
type Factory struct {
	device      audio.Device
	transcriber speech.Transcriber
	sampleRate  int
	frameSize   int
	vad         VADConfig
	logger      *slog.Logger
}

// NewFactory resolves defaults once.
func NewFactory(p Platform) *Factory {
	f := &Factory{
		device:      p.Device,
		transcriber: p.Transcriber,
		sampleRate:  p.SampleRate,
		frameSize:   p.FrameSize,
		vad:         p.VAD,
		logger:      p.Logger,
	}
	if f.sampleRate <= 0 {
		f.sampleRate = audio.DefaultSampleRate
	}
	if f.frameSize <= 0 {
		f.frameSize = f.sampleRate / 10
	}
	defaults := DefaultVADConfig()
	if f.vad.Threshold <= 0 {
		f.vad.Threshold = defaults.Threshold
	}
	if f.vad.Silence <= 0 {
		f.vad.Silence = defaults.Silence
	}
	if f.vad.ListenTimeout <= 0 {
		f.vad.ListenTimeout = defaults.ListenTimeout
	}
	if f.vad.MaxUtterance <= 0 {
		f.vad.MaxUtterance = defaults.MaxUtterance
	}
	if f.logger == nil {
		f.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return f
}

// LiveAvailable reports whether microphone recognition can work at all.
func (f *Factory) LiveAvailable() bool {
	return f != nil && f.device != nil && f.transcriber != nil
}

// ReplayAvailable reports whether recordings can be transcribed.
func (f *Factory) ReplayAvailable() bool {
	return f != nil && f.transcriber != nil
}

// Live returns a recognizer listening on the microphone.
func (f *Factory) Live() Recognizer {
	if !f.LiveAvailable() {
		return unavailable{}
	}
	return &liveRecognizer{f: f}
}

// Replay returns a recognizer over an already captured recording.
func (f *Factory) Replay(rec *audio.Recording) Recognizer {
	if !f.ReplayAvailable() {
		return unavailable{}
	}
	return &replayRecognizer{f: f, rec: rec}
}

type unavailable struct{}

func (unavailable) RecognizeOnce(context.Context) (Utterance, error) {
	return Utterance{}, ErrUnavailable
}

func (f *Factory) transcribe(ctx context.Context, samples []int16, sampleRate int) (Utterance, error) {
	res, err := f.transcriber.Transcribe(ctx, samples, sampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return Utterance{}, ctx.Err()
		}
		return Utterance{}, &RecognitionError{Err: err}
	}
	if res.Text == "" {
		return Utterance{}, ErrNoSpeech
	}
	return Utterance{Text: res.Text, Confidence: res.Confidence}, nil
}

func (f *Factory) newGate(sampleRate int) *gate {
	toSamples := func(d time.Duration) int {
		return int(d.Seconds() * float64(sampleRate))
	}
	return &gate{
		threshold:   f.vad.Threshold,
		silence:     toSamples(f.vad.Silence),
		listenLimit: toSamples(f.vad.ListenTimeout),
		maxSpeech:   toSamples(f.vad.MaxUtterance),
	}
}

type liveRecognizer struct {
	f *Factory
}

func (r *liveRecognizer) RecognizeOnce(ctx context.Context) (Utterance, error) {
	frames := make(chan audio.Frame, 16)
	stop := make(chan struct{})

	pipeline := &audio.Pipeline{
		Device:     r.f.device,
		FrameSize:  r.f.frameSize,
		SampleRate: r.f.sampleRate,
		Logger:     r.f.logger,
	}
	stream, err := pipeline.Open(ctx, func(frame audio.Frame) {
		select {
		case frames <- frame:
		case <-stop:
		}
	})
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return Utterance{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return Utterance{}, &RecognitionError{Err: err}
	}

	g := r.f.newGate(r.f.sampleRate)
	captured, err := collect(ctx, g, frames, stream.Done())
	close(stop)
	if _, cerr := stream.Close(); cerr != nil {
		r.f.logger.Warn("recognizer capture closed with error", "error", cerr)
	}
	if err != nil {
		return Utterance{}, err
	}
	if len(captured) == 0 {
		return Utterance{}, ErrNoSpeech
	}
	return r.f.transcribe(ctx, captured, r.f.sampleRate)
}

// collect feeds frames through the gate until the utterance ends, the
// listen window expires or the input stops.
func collect(ctx context.Context, g *gate, frames <-chan audio.Frame, done <-chan struct{}) ([]int16, error) {
	var captured []int16
	handle := func(frame audio.Frame) bool {
		finished := g.feed(frame.Samples)
		if g.heard {
			captured = append(captured, frame.Samples...)
		}
		return finished
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame := <-frames:
			if handle(frame) {
				return g.result(captured), nil
			}
		case <-done:
			for {
				select {
				case frame := <-frames:
					if handle(frame) {
						return g.result(captured), nil
					}
				default:
					return g.result(captured), nil
				}
			}
		}
	}
}

type replayRecognizer struct {
	f   *Factory
	rec *audio.Recording
}

func (r *replayRecognizer) RecognizeOnce(ctx context.Context) (Utterance, error) {
	if r.rec == nil || len(r.rec.Samples) == 0 {
		return Utterance{}, ErrNoSpeech
	}
	sampleRate := r.rec.SampleRate
	if sampleRate <= 0 {
		sampleRate = r.f.sampleRate
	}

	g := r.f.newGate(sampleRate)
	// the whole recording is the utterance, the gate only checks for speech
	g.listenLimit = len(r.rec.Samples) + 1
	g.silence = len(r.rec.Samples) + 1
	g.maxSpeech = len(r.rec.Samples) + 1
	for start := 0; start < len(r.rec.Samples) && !g.heard; start += r.f.frameSize {
		end := start + r.f.frameSize
		if end > len(r.rec.Samples) {
			end = len(r.rec.Samples)
		}
		g.feed(r.rec.Samples[start:end])
	}
	if !g.heard {
		return Utterance{}, ErrNoSpeech
	}
	return r.f.transcribe(ctx, r.rec.Samples, sampleRate)
}
