// Package audio captures microphone input and frames it for streaming.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultFrameSize  = 4096
	DefaultSampleRate = 16000
)

var (
	// ErrPermissionDenied means the platform refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
)

// Input is an open microphone handle. Read blocks until samples arrive and
// returns io.EOF after Close.
type Input interface {
	Read(p []float32) (int, error)
	Close() error
}

// Device opens capture inputs.
type Device interface {
	Open(ctx context.Context, sampleRate int) (Input, error)
}

// Frame is one fixed-size block of encoded samples.
type Frame struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
	Encoding   string
}

// FrameFunc receives frames on the stream goroutine.
type FrameFunc func(Frame)

// Recording is the locally buffered copy of a capture.
type Recording struct {
	ID         string
	SampleRate int
	Samples    []int16
}

// Duration returns the recorded length.
func (r *Recording) Duration() time.Duration {
	if r == nil || r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Frames splits the recording back into sequenced frames of frameSize
// samples, zero-padding the tail.
func (r *Recording) Frames(frameSize int) []Frame {
	if r == nil || len(r.Samples) == 0 {
		return nil
	}
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	sampleRate := r.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	frames := make([]Frame, 0, (len(r.Samples)+frameSize-1)/frameSize)
	for start := 0; start < len(r.Samples); start += frameSize {
		block := make([]int16, frameSize)
		copy(block, r.Samples[start:])
		frames = append(frames, Frame{
			Seq:        uint64(len(frames)),
			Samples:    block,
			SampleRate: sampleRate,
			Encoding:   EncodingPCM16LE,
		})
	}
	return frames
}

// Pipeline opens framed streams over a Device.
type Pipeline struct {
	Device     Device
	FrameSize  int
	SampleRate int
	// Record keeps a copy of every frame so the stream's Close returns it.
	Record bool
	Logger *slog.Logger
}

// Open acquires the device and starts delivering frames to onFrame until
// Close is called or the input ends.
func (p *Pipeline) Open(ctx context.Context, onFrame FrameFunc) (*Stream, error) {
	if p.Device == nil {
		return nil, ErrDeviceUnavailable
	}
	if onFrame == nil {
		onFrame = func(Frame) {}
	}
	frameSize := p.FrameSize
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	sampleRate := p.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	input, err := p.Device.Open(ctx, sampleRate)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		input:      input,
		onFrame:    onFrame,
		frameSize:  frameSize,
		sampleRate: sampleRate,
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if p.Record {
		s.recording = &Recording{ID: uuid.NewString(), SampleRate: sampleRate}
	}

	go s.run(runCtx)
	return s, nil
}

func classifyOpenError(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// Stream is one open capture. It owns the Input until Close returns.
type Stream struct {
	input      Input
	onFrame    FrameFunc
	frameSize  int
	sampleRate int
	logger     *slog.Logger
	recording  *Recording

	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once
	closeOnce   sync.Once

	mu  sync.Mutex
	seq uint64
	err error
}

// Done is closed once the stream stops delivering frames.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream stopped on its own, if it did.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Frames returns how many frames have been delivered.
func (s *Stream) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close releases the device and waits for in-flight delivery. No frame is
// delivered after Close returns. The buffered recording is returned when
// the pipeline was opened with Record.
func (s *Stream) Close() (*Recording, error) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.release()
	})
	<-s.done
	return s.recording, s.Err()
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		if err := s.input.Close(); err != nil {
			s.logger.Warn("audio input close failed", "error", err)
		}
	})
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.release()

	buf := make([]float32, s.frameSize)
	block := make([]float32, 0, s.frameSize)

	for ctx.Err() == nil {
		n, err := s.input.Read(buf[:s.frameSize-len(block)])
		block = append(block, buf[:n]...)
		if len(block) == s.frameSize {
			if !s.emit(block) {
				return
			}
			block = block[:0]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.setErr(fmt.Errorf("audio read: %w", err))
			}
			break
		}
	}

	if len(block) > 0 {
		padded := make([]float32, s.frameSize)
		copy(padded, block)
		s.emit(padded)
	}
}

// emit encodes and hands one frame to the callback. A panicking callback
// stops the stream.
func (s *Stream) emit(block []float32) (ok bool) {
	s.mu.Lock()
	frame := Frame{
		Seq:        s.seq,
		Samples:    EncodePCM16(block),
		SampleRate: s.sampleRate,
		Encoding:   EncodingPCM16LE,
	}
	s.seq++
	if s.recording != nil {
		s.recording.Samples = append(s.recording.Samples, frame.Samples...)
	}
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panicked", "seq", frame.Seq, "panic", r)
			s.setErr(fmt.Errorf("frame handler panic: %v", r))
			ok = false
		}
	}()
	s.onFrame(frame)
	return true
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
