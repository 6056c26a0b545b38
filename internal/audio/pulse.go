package audio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
)

// PulseDevice captures mono float samples from a PulseAudio source.
type PulseDevice struct {
	// Source is the Pulse source name; empty selects the server default.
	Source string
	// AppName is shown in the sound settings of the desktop.
	AppName string
}

// Open connects to the Pulse server and starts a record stream.
func (d PulseDevice) Open(_ context.Context, sampleRate int) (Input, error) {
	appName := d.AppName
	if appName == "" {
		appName = "mindwell"
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, classifyPulseError("connect pulse server", err)
	}

	var source *pulse.Source
	if strings.TrimSpace(d.Source) == "" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(d.Source)
	}
	if err != nil {
		client.Close()
		return nil, classifyPulseError("resolve source", err)
	}

	in := &pulseInput{
		client:  client,
		samples: make(chan []float32, 64),
		stopCh:  make(chan struct{}),
	}

	stream, err := client.NewRecord(
		pulse.Float32Writer(in.write),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordMediaName("mindwell session"),
	)
	if err != nil {
		client.Close()
		return nil, classifyPulseError("create record stream", err)
	}
	in.stream = stream
	stream.Start()

	return in, nil
}

func classifyPulseError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrDeviceUnavailable, err)
}

type pulseInput struct {
	client *pulse.Client
	stream *pulse.RecordStream

	samples chan []float32
	stopCh  chan struct{}
	once    sync.Once

	pending []float32
}

// write runs on the pulse client goroutine.
func (in *pulseInput) write(p []float32) (int, error) {
	chunk := make([]float32, len(p))
	copy(chunk, p)
	select {
	case <-in.stopCh:
		return 0, io.EOF
	case in.samples <- chunk:
		return len(p), nil
	}
}

func (in *pulseInput) Read(p []float32) (int, error) {
	if len(in.pending) == 0 {
		select {
		case <-in.stopCh:
			return 0, io.EOF
		case chunk := <-in.samples:
			in.pending = chunk
		}
	}
	n := copy(p, in.pending)
	in.pending = in.pending[n:]
	return n, nil
}

func (in *pulseInput) Close() error {
	in.once.Do(func() {
		close(in.stopCh)
		if in.stream != nil {
			in.stream.Stop()
			in.stream.Close()
		}
		in.client.Close()
	})
	return nil
}
