package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/fsm"
	"github.com/zhouzirui/mindwell/internal/generator"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/speech"
	"github.com/zhouzirui/mindwell/internal/transport"
)

const waitFor = 2 * time.Second

func anxiety() UserContext {
	return UserContext{OwnerID: "user-1", Emotion: therapy.Anxiety, Intensity: 8}
}

func countRole(msgs []therapy.Message, role therapy.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func requireOrdered(t *testing.T, msgs []therapy.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "timestamp went backwards at %d", i)
	}
}

func hasContent(msgs []therapy.Message, role therapy.Role, content string) bool {
	for _, m := range msgs {
		if m.Role == role && m.Content == content {
			return true
		}
	}
	return false
}

func newRemote(t *testing.T, server *fakeServer, opts Options) (*Controller, *fakeBackend, *fakeDialer) {
	t.Helper()
	backend := &fakeBackend{}
	dialer := &fakeDialer{server: server}
	opts.Policy = PolicyRemote
	opts.LocalFallback = true
	ctrl := NewController(opts, Deps{Backend: backend, Dialer: dialer})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))
	require.Equal(t, therapy.ModeRemote, ctrl.Status().Mode)
	t.Cleanup(func() { _, _ = ctrl.End(context.Background()) })
	return ctrl, backend, dialer
}

func TestParsePolicy(t *testing.T) {
	for raw, want := range map[string]Policy{"": PolicyAuto, "AUTO": PolicyAuto, "remote": PolicyRemote, " local ": PolicyLocal} {
		got, err := ParsePolicy(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePolicy("hybrid")
	require.Error(t, err)
}

func TestLocalAnxietySession(t *testing.T) {
	ctrl := NewController(Options{Policy: PolicyAuto}, Deps{Backend: &fakeBackend{probeErr: errors.New("connection refused")}, Dialer: &fakeDialer{server: &fakeServer{}}})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	status := ctrl.Status()
	require.Equal(t, fsm.StateConnected, status.State)
	require.Equal(t, therapy.ModeLocal, status.Mode)
	require.False(t, status.Recording)

	log := ctrl.Snapshot()
	require.Len(t, log, 1)
	require.Equal(t, therapy.RoleAssistant, log[0].Role)
	require.NotEmpty(t, log[0].Content)

	reply, err := ctrl.SubmitText(context.Background(), "I can't stop worrying about my presentation")
	require.NoError(t, err)
	require.Equal(t, therapy.RoleAssistant, reply.Role)
	require.Contains(t, generator.Templates(therapy.Anxiety), reply.Content)

	log = ctrl.Snapshot()
	require.Len(t, log, 3)
	require.Equal(t, therapy.RoleUser, log[1].Role)
	require.Equal(t, "I can't stop worrying about my presentation", log[1].Content)
	require.Equal(t, reply.ID, log[2].ID)
	require.Equal(t, 2, countRole(log, therapy.RoleAssistant))
	requireOrdered(t, log)
}

func TestAutoPolicySkipsStartWhenProbeFails(t *testing.T) {
	backend := &fakeBackend{probeErr: errors.New("down")}
	ctrl := NewController(Options{}, Deps{Backend: backend, Dialer: &fakeDialer{server: &fakeServer{}}})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	starts, _ := backend.counts()
	require.Zero(t, starts)
	require.Zero(t, countRole(ctrl.Snapshot(), therapy.RoleSystem))
	require.NotEmpty(t, ctrl.Session().ID)
}

func TestRemoteStartFailureFallsBackWithNotice(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("503")}
	ctrl := NewController(Options{Policy: PolicyRemote, LocalFallback: true}, Deps{Backend: backend, Dialer: &fakeDialer{server: &fakeServer{}}})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	require.Equal(t, therapy.ModeLocal, ctrl.Status().Mode)
	log := ctrl.Snapshot()
	require.Len(t, log, 2)
	require.Equal(t, therapy.RoleAssistant, log[0].Role)
	require.Equal(t, msgOffline, log[1].Content)
}

func TestFatalInitializationLeavesTextOnlySession(t *testing.T) {
	dialer := &fakeDialer{server: &fakeServer{}, fail: map[int]bool{1: true}}
	ctrl := NewController(Options{Policy: PolicyRemote, LocalFallback: false}, Deps{Backend: &fakeBackend{}, Dialer: dialer})

	err := ctrl.Start(context.Background(), anxiety())
	require.ErrorIs(t, err, ErrInitFailed)
	require.Equal(t, fsm.StateErrored, ctrl.Status().State)
	require.True(t, hasContent(ctrl.Snapshot(), therapy.RoleSystem, msgInitFailed))

	reply, err := ctrl.SubmitText(context.Background(), "are you there?")
	require.NoError(t, err)
	require.Equal(t, therapy.RoleAssistant, reply.Role)
	require.NotEmpty(t, reply.Content)

	require.Error(t, ctrl.BeginCapture(context.Background()))

	_, err = ctrl.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, fsm.StateErrored, ctrl.Status().State)
	_, err = ctrl.SubmitText(context.Background(), "hello?")
	require.ErrorIs(t, err, ErrSessionEnded)
}

func TestStartRejectsInvalidInputAndRestart(t *testing.T) {
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{})
	require.Error(t, ctrl.Start(context.Background(), UserContext{Emotion: therapy.Anxiety, Intensity: 11}))
	require.Equal(t, fsm.StateIdle, ctrl.Status().State)

	require.NoError(t, ctrl.Start(context.Background(), anxiety()))
	require.ErrorIs(t, ctrl.Start(context.Background(), anxiety()), ErrInvalidState)
}

func TestSubmitTextBeforeStartIsInvalid(t *testing.T) {
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{})
	_, err := ctrl.SubmitText(context.Background(), "hi")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, ctrl.Start(context.Background(), anxiety()))
	_, err = ctrl.SubmitText(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRemoteTextTurn(t *testing.T) {
	server := &fakeServer{}
	ctrl, _, _ := newRemote(t, server, Options{})

	reply, err := ctrl.SubmitText(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "echo: hi", reply.Content)

	log := ctrl.Snapshot()
	require.Len(t, log, 3)
	require.Equal(t, "hi", log[1].Content)
	require.Equal(t, "echo: hi", log[2].Content)
}

func TestUnsolicitedServiceErrorBecomesSystemMessage(t *testing.T) {
	server := &fakeServer{}
	ctrl, _, _ := newRemote(t, server, Options{})

	server.mu.Lock()
	peer := server.peers[0]
	server.mu.Unlock()
	require.NoError(t, peer.Send(context.Background(), transport.ErrorEnvelope("model overloaded")))

	require.Eventually(t, func() bool {
		return hasContent(ctrl.Snapshot(), therapy.RoleSystem, msgService+"model overloaded")
	}, waitFor, 10*time.Millisecond)
	require.Equal(t, fsm.StateConnected, ctrl.Status().State)
}

func TestRapidSubmitsAreSerialized(t *testing.T) {
	server := &fakeServer{delay: 50 * time.Millisecond}
	ctrl, _, _ := newRemote(t, server, Options{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := ctrl.SubmitText(context.Background(), "A")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return ctrl.Status().Pending == 1 }, waitFor, time.Millisecond)
	go func() {
		defer wg.Done()
		_, err := ctrl.SubmitText(context.Background(), "B")
		assert.NoError(t, err)
	}()
	wg.Wait()

	events, _ := server.snapshot()
	require.Equal(t, []string{"recv A", "reply echo: A", "recv B", "reply echo: B"}, events)

	log := ctrl.Snapshot()
	require.Len(t, log, 5)
	var got []string
	for _, m := range log[1:] {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	require.Equal(t, []string{"user:A", "assistant:echo: A", "user:B", "assistant:echo: B"}, got)
	requireOrdered(t, log)
	require.Zero(t, ctrl.Status().Pending)
}

func TestGenerationTimeoutIsRecoverable(t *testing.T) {
	server := &fakeServer{silent: true}
	ctrl, _, _ := newRemote(t, server, Options{GenerationTimeout: 50 * time.Millisecond})

	msg, err := ctrl.SubmitText(context.Background(), "hello?")
	require.NoError(t, err)
	require.Equal(t, therapy.RoleSystem, msg.Role)
	require.Equal(t, msgTimeout, msg.Content)
	require.Equal(t, fsm.StateConnected, ctrl.Status().State)
	require.Equal(t, 1, countRole(ctrl.Snapshot(), therapy.RoleUser))
}

func TestUnexpectedCloseReconnectsOnceThenDegrades(t *testing.T) {
	server := &fakeServer{}
	ctrl, _, dialer := newRemote(t, server, Options{})

	server.dropPeer(0)
	require.Eventually(t, func() bool { return dialer.dials() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.peers) == 2
	}, waitFor, 5*time.Millisecond)

	reply, err := ctrl.SubmitText(context.Background(), "still there?")
	require.NoError(t, err)
	require.Equal(t, "echo: still there?", reply.Content)
	require.Zero(t, countRole(ctrl.Snapshot(), therapy.RoleSystem))

	server.dropPeer(1)
	require.Eventually(t, func() bool { return ctrl.Status().Mode == therapy.ModeLocal }, waitFor, 5*time.Millisecond)
	require.Equal(t, 2, dialer.dials())
	require.True(t, hasContent(ctrl.Snapshot(), therapy.RoleSystem, msgDegraded))

	reply, err = ctrl.SubmitText(context.Background(), "I keep worrying")
	require.NoError(t, err)
	require.Equal(t, therapy.RoleAssistant, reply.Role)
	require.Contains(t, generator.Templates(therapy.Anxiety), reply.Content)
	require.Equal(t, fsm.StateConnected, ctrl.Status().State)
}

func TestFailedReconnectDegradesToSimulator(t *testing.T) {
	server := &fakeServer{}
	backend := &fakeBackend{}
	dialer := &fakeDialer{server: server, fail: map[int]bool{2: true}}
	ctrl := NewController(Options{Policy: PolicyRemote, LocalFallback: true}, Deps{Backend: backend, Dialer: dialer})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	server.dropPeer(0)
	require.Eventually(t, func() bool { return ctrl.Status().Mode == therapy.ModeLocal }, waitFor, 5*time.Millisecond)
	require.Equal(t, 2, dialer.dials())

	reply, err := ctrl.SubmitText(context.Background(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, reply.Content)
	require.Equal(t, therapy.RoleAssistant, reply.Role)
}

func TestEndIsIdempotent(t *testing.T) {
	server := &fakeServer{}
	ctrl, backend, dialer := newRemote(t, server, Options{})
	_, err := ctrl.SubmitText(context.Background(), "hi")
	require.NoError(t, err)

	first, err := ctrl.End(context.Background())
	require.NoError(t, err)
	second, err := ctrl.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, "sess-1", first.SessionID)
	require.Equal(t, "anxiety", first.DominantTone)
	require.Equal(t, 1, first.UserTurns)
	_, ends := backend.counts()
	require.Equal(t, 1, ends)

	require.Equal(t, fsm.StateEnded, ctrl.Status().State)
	require.NotNil(t, ctrl.Session().EndedAt)

	dialer.mu.Lock()
	client := dialer.ends[0]
	dialer.mu.Unlock()
	select {
	case <-client.Done():
	case <-time.After(waitFor):
		t.Fatal("channel left open")
	}

	log := ctrl.Snapshot()
	require.Equal(t, therapy.RoleSystem, log[len(log)-1].Role)
	require.Equal(t, 1, countRole(log, therapy.RoleSystem))

	_, err = ctrl.SubmitText(context.Background(), "after end")
	require.ErrorIs(t, err, ErrSessionEnded)
	require.NoError(t, ctrl.EndCapture(context.Background()))
}

func TestEndFromIdle(t *testing.T) {
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{})
	_, err := ctrl.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, fsm.StateEnded, ctrl.Status().State)
	require.ErrorIs(t, ctrl.Start(context.Background(), anxiety()), ErrInvalidState)
}

func TestEndDiscardsPendingReply(t *testing.T) {
	server := &fakeServer{silent: true}
	ctrl, _, _ := newRemote(t, server, Options{GenerationTimeout: 10 * time.Second})

	errs := make(chan error, 1)
	go func() {
		_, err := ctrl.SubmitText(context.Background(), "waiting")
		errs <- err
	}()
	require.Eventually(t, func() bool { return server.count(transport.TypeText) == 1 }, waitFor, 5*time.Millisecond)

	_, err := ctrl.End(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, <-errs, ErrSessionEnded)

	log := ctrl.Snapshot()
	require.Len(t, log, 3)
	require.Equal(t, therapy.RoleUser, log[1].Role)
	require.Equal(t, therapy.RoleSystem, log[2].Role)
}

func TestLocalNoSpeechAppendsGuidance(t *testing.T) {
	device := &scriptedDevice{takes: [][]float32{make([]float32, 8000)}}
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{Recognizers: testFactory(device, fixedTranscriber("unused"))})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.Eventually(t, func() bool { return !ctrl.Status().Recording }, waitFor, 5*time.Millisecond)

	log := ctrl.Snapshot()
	require.Zero(t, countRole(log, therapy.RoleUser))
	require.True(t, hasContent(log, therapy.RoleSystem, msgNoSpeech))
	require.True(t, strings.Contains(msgNoSpeech, "type"))
	require.Equal(t, fsm.StateConnected, ctrl.Status().State)

	require.NoError(t, ctrl.EndCapture(context.Background()))
	require.Equal(t, 1, countRole(ctrl.Snapshot(), therapy.RoleSystem))
}

func TestLocalUtteranceBecomesTurn(t *testing.T) {
	take := append(tone(3200), make([]float32, 6400)...)
	device := &scriptedDevice{takes: [][]float32{take}, hold: true}
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{Recognizers: testFactory(device, fixedTranscriber("I feel so lonely lately"))})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.Eventually(t, func() bool {
		return countRole(ctrl.Snapshot(), therapy.RoleAssistant) == 2
	}, waitFor, 5*time.Millisecond)

	log := ctrl.Snapshot()
	require.True(t, hasContent(log, therapy.RoleUser, "I feel so lonely lately"))
	requireOrdered(t, log)
	require.NoError(t, ctrl.EndCapture(context.Background()))
}

func TestEndCaptureIsIdempotent(t *testing.T) {
	device := &scriptedDevice{takes: [][]float32{nil}, hold: true}
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{Recognizers: testFactory(device, fixedTranscriber("x"))})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	require.NoError(t, ctrl.EndCapture(context.Background()))
	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.True(t, ctrl.Status().Recording)

	before := len(ctrl.Snapshot())
	require.NoError(t, ctrl.EndCapture(context.Background()))
	require.NoError(t, ctrl.EndCapture(context.Background()))
	require.False(t, ctrl.Status().Recording)
	require.Len(t, ctrl.Snapshot(), before)
}

func TestCaptureWithoutRecognizerTellsUserToType(t *testing.T) {
	ctrl := NewController(Options{Policy: PolicyLocal}, Deps{})
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))

	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.False(t, ctrl.Status().Recording)
	require.True(t, hasContent(ctrl.Snapshot(), therapy.RoleSystem, msgVoiceUnavailable))
}

func TestRemoteCaptureStreamsFramesBeforeActivityEnd(t *testing.T) {
	server := &fakeServer{}
	device := &scriptedDevice{takes: [][]float32{tone(480)}, hold: true}
	backend := &fakeBackend{}
	ctrl := NewController(
		Options{Policy: PolicyRemote, LocalFallback: true, FrameSize: 160, SampleRate: 16000},
		Deps{
			Backend:     backend,
			Dialer:      &fakeDialer{server: server},
			Device:      device,
			Recognizers: testFactory(nil, fixedTranscriber("hello there")),
		},
	)
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))
	t.Cleanup(func() { _, _ = ctrl.End(context.Background()) })

	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.True(t, ctrl.Status().Recording)
	require.Eventually(t, func() bool { return server.count(transport.TypeAudio) == 3 }, waitFor, 5*time.Millisecond)
	require.NoError(t, ctrl.EndCapture(context.Background()))
	require.False(t, ctrl.Status().Recording)

	require.Eventually(t, func() bool {
		return hasContent(ctrl.Snapshot(), therapy.RoleAssistant, "heard 3 frames")
	}, waitFor, 5*time.Millisecond)

	_, seen := server.snapshot()
	var types []transport.Type
	var seqs []uint64
	for _, env := range seen {
		types = append(types, env.Type)
		if env.Type == transport.TypeAudio {
			p, err := env.AudioPayload()
			require.NoError(t, err)
			seqs = append(seqs, p.SequenceNumber)
		}
	}
	require.Equal(t, []transport.Type{
		transport.TypeActivityStart,
		transport.TypeAudio, transport.TypeAudio, transport.TypeAudio,
		transport.TypeActivityEnd,
	}, types)
	require.Equal(t, []uint64{0, 1, 2}, seqs)

	log := ctrl.Snapshot()
	user := log[1]
	require.Equal(t, therapy.RoleUser, user.Role)
	require.Equal(t, "hello there", user.Content)
	require.False(t, user.Provisional)
	rec, ok := ctrl.Recording(user.AudioRef)
	require.True(t, ok)
	require.Len(t, rec.Samples, 480)
}

func remoteVoice(t *testing.T, server *fakeServer, dialer *fakeDialer, device *scriptedDevice, tr speech.Transcriber) *Controller {
	t.Helper()
	ctrl := NewController(
		Options{Policy: PolicyRemote, LocalFallback: true, FrameSize: 160, SampleRate: 16000},
		Deps{
			Backend:     &fakeBackend{},
			Dialer:      dialer,
			Device:      device,
			Recognizers: testFactory(nil, tr),
		},
	)
	require.NoError(t, ctrl.Start(context.Background(), anxiety()))
	t.Cleanup(func() { _, _ = ctrl.End(context.Background()) })
	return ctrl
}

func record(t *testing.T, ctrl *Controller, server *fakeServer, frames int) {
	t.Helper()
	require.NoError(t, ctrl.BeginCapture(context.Background()))
	require.Eventually(t, func() bool { return server.count(transport.TypeAudio) == frames }, waitFor, 5*time.Millisecond)
	require.NoError(t, ctrl.EndCapture(context.Background()))
}

func TestBackToBackRecordingsKeepWindowsApart(t *testing.T) {
	server := &fakeServer{delay: 300 * time.Millisecond}
	device := &scriptedDevice{takes: [][]float32{tone(480), tone(480)}, hold: true}
	ctrl := remoteVoice(t, server, &fakeDialer{server: server}, device, fixedTranscriber("hello there"))

	replied := make(chan therapy.Message, 1)
	go func() {
		msg, err := ctrl.SubmitText(context.Background(), "first")
		assert.NoError(t, err)
		replied <- msg
	}()
	require.Eventually(t, func() bool { return server.count(transport.TypeText) == 1 }, waitFor, 5*time.Millisecond)

	record(t, ctrl, server, 3)
	record(t, ctrl, server, 6)

	require.Equal(t, []transport.Type{
		transport.TypeText,
		transport.TypeActivityStart,
		transport.TypeAudio, transport.TypeAudio, transport.TypeAudio,
		transport.TypeActivityEnd,
		transport.TypeActivityStart,
		transport.TypeAudio, transport.TypeAudio, transport.TypeAudio,
		transport.TypeActivityEnd,
	}, server.types())

	require.Equal(t, "echo: first", (<-replied).Content)
	require.Eventually(t, func() bool { return ctrl.Status().Pending == 0 && len(ctrl.Snapshot()) == 7 }, waitFor, 5*time.Millisecond)

	var got []string
	for _, m := range ctrl.Snapshot()[1:] {
		got = append(got, string(m.Role)+": "+m.Content)
	}
	require.Equal(t, []string{
		"user: first",
		"assistant: echo: first",
		"user: hello there",
		"assistant: heard 3 frames",
		"user: hello there",
		"assistant: heard 3 frames",
	}, got)
	require.Equal(t, 2, server.count(transport.TypeActivityEnd))
}

func TestRemoteCapturePermissionDeniedKeepsSessionUsable(t *testing.T) {
	server := &fakeServer{}
	device := &scriptedDevice{err: audio.ErrPermissionDenied}
	ctrl := remoteVoice(t, server, &fakeDialer{server: server}, device, fixedTranscriber("unused"))

	require.NoError(t, ctrl.BeginCapture(context.Background()))
	status := ctrl.Status()
	require.False(t, status.Recording)
	require.Equal(t, fsm.StateConnected, status.State)
	require.True(t, hasContent(ctrl.Snapshot(), therapy.RoleSystem, msgPermission))

	reply, err := ctrl.SubmitText(context.Background(), "typing instead")
	require.NoError(t, err)
	require.Equal(t, "echo: typing instead", reply.Content)
}

func TestRemoteSilentRecordingIsMarkedNoSpeech(t *testing.T) {
	server := &fakeServer{}
	device := &scriptedDevice{takes: [][]float32{make([]float32, 480)}, hold: true}
	ctrl := remoteVoice(t, server, &fakeDialer{server: server}, device, fixedTranscriber("never used"))

	record(t, ctrl, server, 3)
	require.Eventually(t, func() bool {
		return hasContent(ctrl.Snapshot(), therapy.RoleAssistant, "heard 3 frames")
	}, waitFor, 5*time.Millisecond)

	log := ctrl.Snapshot()
	require.Equal(t, therapy.RoleUser, log[1].Role)
	require.Equal(t, placeholderNoSpeech, log[1].Content)
	require.False(t, log[1].Provisional)
	require.Equal(t, therapy.RoleSystem, log[2].Role)
	require.Equal(t, msgNoSpeech, log[2].Content)
}

func TestAudioTurnStreamsRecordingAgainAfterReconnect(t *testing.T) {
	server := &fakeServer{delay: 200 * time.Millisecond}
	dialer := &fakeDialer{server: server}
	device := &scriptedDevice{takes: [][]float32{tone(480)}, hold: true}
	ctrl := remoteVoice(t, server, dialer, device, fixedTranscriber("hello there"))

	record(t, ctrl, server, 3)
	server.dropPeer(0)

	require.Eventually(t, func() bool {
		return hasContent(ctrl.Snapshot(), therapy.RoleAssistant, "heard 3 frames")
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, 2, dialer.dials())
	require.Equal(t, therapy.ModeRemote, ctrl.Status().Mode)
	require.Zero(t, countRole(ctrl.Snapshot(), therapy.RoleSystem))

	require.Equal(t, []transport.Type{
		transport.TypeActivityStart,
		transport.TypeAudio, transport.TypeAudio, transport.TypeAudio,
		transport.TypeActivityEnd,
		transport.TypeActivityStart,
		transport.TypeAudio, transport.TypeAudio, transport.TypeAudio,
		transport.TypeActivityEnd,
	}, server.types())
	require.True(t, hasContent(ctrl.Snapshot(), therapy.RoleUser, "hello there"))
}

func TestAudioTurnAnswersTranscriptAfterDegrade(t *testing.T) {
	server := &fakeServer{delay: 200 * time.Millisecond}
	dialer := &fakeDialer{server: server, fail: map[int]bool{2: true}}
	device := &scriptedDevice{takes: [][]float32{tone(480)}, hold: true}
	ctrl := remoteVoice(t, server, dialer, device, fixedTranscriber("I keep worrying"))

	record(t, ctrl, server, 3)
	server.dropPeer(0)

	require.Eventually(t, func() bool {
		log := ctrl.Snapshot()
		return ctrl.Status().Pending == 0 && log[len(log)-1].Role == therapy.RoleAssistant
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, therapy.ModeLocal, ctrl.Status().Mode)

	log := ctrl.Snapshot()
	require.True(t, hasContent(log, therapy.RoleSystem, msgDegraded))
	require.True(t, hasContent(log, therapy.RoleUser, "I keep worrying"))
	last := log[len(log)-1]
	require.NotEqual(t, "heard 3 frames", last.Content)
	require.NotContains(t, last.Content, "processing")
}

func TestEndCancelsPendingHandshake(t *testing.T) {
	backend := &fakeBackend{}
	dialer := &fakeDialer{server: &fakeServer{}, hang: true}
	ctrl := NewController(Options{Policy: PolicyRemote, LocalFallback: true}, Deps{Backend: backend, Dialer: dialer})

	started := make(chan error, 1)
	go func() { started <- ctrl.Start(context.Background(), anxiety()) }()
	require.Eventually(t, func() bool { return dialer.dials() == 1 }, waitFor, 5*time.Millisecond)

	begin := time.Now()
	summary, err := ctrl.End(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(begin), time.Second)
	require.ErrorIs(t, <-started, ErrSessionEnded)

	require.Equal(t, "sess-1", summary.SessionID)
	_, ends := backend.counts()
	require.Equal(t, 1, ends)
	require.Equal(t, fsm.StateEnded, ctrl.Status().State)
}
