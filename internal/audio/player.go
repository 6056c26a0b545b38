package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

// Player plays a recording back to the user.
type Player interface {
	Play(ctx context.Context, rec *Recording) error
}

// NopPlayer skips playback.
type NopPlayer struct{}

func (NopPlayer) Play(context.Context, *Recording) error { return nil }

// PulsePlayer plays recordings on a PulseAudio sink. Each Play opens its own
// stream on the shared client.
type PulsePlayer struct {
	client *pulse.Client
	sink   *pulse.Sink

	mu sync.Mutex
}

// NewPulsePlayer connects to the Pulse server. sinkName is optional; empty
// selects the server default.
func NewPulsePlayer(appName, sinkName string) (*PulsePlayer, error) {
	if appName == "" {
		appName = "mindwell"
	}
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-speakers"),
	)
	if err != nil {
		return nil, classifyPulseError("connect pulse server", err)
	}

	var sink *pulse.Sink
	if sinkName == "" {
		sink, err = client.DefaultSink()
	} else {
		sink, err = client.SinkByID(sinkName)
	}
	if err != nil {
		client.Close()
		return nil, classifyPulseError("resolve sink", err)
	}
	return &PulsePlayer{client: client, sink: sink}, nil
}

// Play blocks until the recording has drained or ctx is done.
func (p *PulsePlayer) Play(ctx context.Context, rec *Recording) error {
	if rec == nil || len(rec.Samples) == 0 {
		return nil
	}
	sampleRate := rec.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	// one recording at a time on the speakers
	p.mu.Lock()
	defer p.mu.Unlock()

	src := &sampleReader{ctx: ctx, samples: rec.Samples}
	stream, err := p.client.NewPlayback(
		pulse.Int16Reader(src.read),
		pulse.PlaybackSink(p.sink),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackMediaName("mindwell recording"),
	)
	if err != nil {
		return fmt.Errorf("create playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	if err := stream.Error(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	return ctx.Err()
}

// Close disconnects from the Pulse server.
func (p *PulsePlayer) Close() {
	p.client.Close()
}

// sampleReader feeds a recording to the playback stream, ending early when
// ctx is done.
type sampleReader struct {
	ctx     context.Context
	samples []int16
}

func (r *sampleReader) read(buf []int16) (int, error) {
	if r.ctx.Err() != nil || len(r.samples) == 0 {
		return 0, pulse.EndOfData
	}
	n := copy(buf, r.samples)
	r.samples = r.samples[n:]
	if len(r.samples) == 0 {
		return n, pulse.EndOfData
	}
	return n, nil
}
