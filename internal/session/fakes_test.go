package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/recognizer"
	"github.com/zhouzirui/mindwell/internal/speech"
	"github.com/zhouzirui/mindwell/internal/transport"
)

type fakeBackend struct {
	probeErr error
	startErr error

	mu     sync.Mutex
	starts int
	ends   int
}

func (b *fakeBackend) Probe(context.Context) error { return b.probeErr }

func (b *fakeBackend) StartSession(context.Context, therapy.Emotion, int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return "", b.startErr
	}
	return "sess-1", nil
}

func (b *fakeBackend) EndSession(_ context.Context, id string) (therapy.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends++
	return therapy.Summary{SessionID: id, DominantTone: "anxiety"}, nil
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.ends
}

// fakeServer is the service end of an in-memory channel pair.
type fakeServer struct {
	mu     sync.Mutex
	events []string
	seen   []transport.Envelope
	audio  int
	peers  []transport.Channel

	// delay postpones every reply, keeping their order; silent suppresses
	// them.
	delay  time.Duration
	silent bool
	last   chan struct{}
}

func (s *fakeServer) attach(ch transport.Channel) {
	s.mu.Lock()
	s.peers = append(s.peers, ch)
	s.mu.Unlock()
	go func() {
		for env := range ch.Messages() {
			s.handle(ch, env)
		}
	}()
}

func (s *fakeServer) handle(ch transport.Channel, env transport.Envelope) {
	s.mu.Lock()
	s.seen = append(s.seen, env)
	var out transport.Envelope
	answer := false
	switch env.Type {
	case transport.TypeText:
		p, _ := env.TextPayload()
		s.events = append(s.events, "recv "+p.Text)
		out, answer = transport.Response("echo: "+p.Text), true
	case transport.TypeActivityStart:
		s.audio = 0
	case transport.TypeAudio:
		s.audio++
	case transport.TypeActivityEnd:
		out, answer = transport.Response(fmt.Sprintf("heard %d frames", s.audio)), true
	}
	delay, silent := s.delay, s.silent
	var prev, done chan struct{}
	if answer && !silent && delay > 0 {
		prev, done = s.last, make(chan struct{})
		s.last = done
	}
	s.mu.Unlock()

	if !answer || silent {
		return
	}
	send := func() {
		if p, err := out.TextPayload(); err == nil {
			s.mu.Lock()
			s.events = append(s.events, "reply "+p.Text)
			s.mu.Unlock()
		}
		_ = ch.Send(context.Background(), out)
	}
	if delay > 0 {
		go func() {
			defer close(done)
			time.Sleep(delay)
			if prev != nil {
				<-prev
			}
			send()
		}()
		return
	}
	send()
}

func (s *fakeServer) snapshot() ([]string, []transport.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...), append([]transport.Envelope(nil), s.seen...)
}

// types lists the envelope types the service received, in order.
func (s *fakeServer) types() []transport.Type {
	_, seen := s.snapshot()
	out := make([]transport.Type, 0, len(seen))
	for _, env := range seen {
		out = append(out, env.Type)
	}
	return out
}

func (s *fakeServer) count(t transport.Type) int {
	_, seen := s.snapshot()
	n := 0
	for _, env := range seen {
		if env.Type == t {
			n++
		}
	}
	return n
}

// dropPeer closes the service end of the n-th channel, as a network drop.
func (s *fakeServer) dropPeer(n int) {
	s.mu.Lock()
	peer := s.peers[n]
	s.mu.Unlock()
	_ = peer.Close()
}

// fakeDialer hands out in-memory channels wired to server. Dials listed in
// fail return an error.
type fakeDialer struct {
	server *fakeServer
	fail   map[int]bool
	// hang makes every dial wait for its context.
	hang bool

	mu    sync.Mutex
	calls int
	ends  []transport.Channel
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Channel, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.fail[n] {
		return nil, errors.New("dial refused")
	}
	client, service := transport.Pair()
	d.server.attach(service)
	d.mu.Lock()
	d.ends = append(d.ends, client)
	d.mu.Unlock()
	return client, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type scriptedInput struct {
	mu      sync.Mutex
	samples []float32
	hold    bool
	closed  chan struct{}
	once    sync.Once
}

func (in *scriptedInput) Read(p []float32) (int, error) {
	in.mu.Lock()
	if len(in.samples) > 0 {
		n := copy(p, in.samples)
		in.samples = in.samples[n:]
		in.mu.Unlock()
		return n, nil
	}
	in.mu.Unlock()
	if in.hold {
		<-in.closed
	}
	return 0, io.EOF
}

func (in *scriptedInput) Close() error {
	in.once.Do(func() { close(in.closed) })
	return nil
}

// scriptedDevice serves takes[i] on the i-th Open and empty input after.
type scriptedDevice struct {
	takes [][]float32
	hold  bool
	err   error

	mu    sync.Mutex
	opens int
}

func (d *scriptedDevice) Open(context.Context, int) (audio.Input, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var samples []float32
	if d.opens < len(d.takes) {
		samples = append(samples, d.takes[d.opens]...)
	}
	d.opens++
	return &scriptedInput{samples: samples, hold: d.hold && d.opens <= len(d.takes), closed: make(chan struct{})}, nil
}

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 0.5
		} else {
			out[i] = -0.5
		}
	}
	return out
}

func fixedTranscriber(text string) speech.Transcriber {
	return speech.TranscriberFunc(func(context.Context, []int16, int) (speech.Transcription, error) {
		return speech.Transcription{Text: text, Confidence: 0.9}, nil
	})
}

func testFactory(device audio.Device, tr speech.Transcriber) *recognizer.Factory {
	return recognizer.NewFactory(recognizer.Platform{
		Device:      device,
		Transcriber: tr,
		SampleRate:  16000,
		FrameSize:   1600,
		VAD: recognizer.VADConfig{
			Threshold:     0.02,
			Silence:       200 * time.Millisecond,
			ListenTimeout: 300 * time.Millisecond,
			MaxUtterance:  5 * time.Second,
		},
	})
}
