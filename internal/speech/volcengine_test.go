package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/mindwell/internal/config"
)

// asrServer answers a recognition the way the Volcengine endpoint does: it
// reads the request frame, then audio frames until the last one.
func asrServer(t *testing.T, reply func(conn *websocket.Conn, audioBytes int)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app-1", r.Header.Get("X-Api-App-Key"))
		assert.Equal(t, "tok", r.Header.Get("X-Api-Access-Key"))
		assert.Equal(t, VolcengineResourceID, r.Header.Get("X-Api-Resource-Id"))
		assert.NotEmpty(t, r.Header.Get("X-Api-Connect-Id"))

		conn, err := upgrader.Upgrade(w, r, http.Header{"X-Tt-Logid": {"log-1"}})
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		req, err := decodeFrame(data)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, frameFullClientRequest, req.typ)
		body, err := req.body()
		if !assert.NoError(t, err) {
			return
		}
		var parsed volcengineRequest
		assert.NoError(t, json.Unmarshal(body, &parsed))
		assert.Equal(t, 16000, parsed.Audio.Rate)
		assert.Equal(t, "pcm", parsed.Audio.Format)

		total := 0
		next := int32(2)
		for {
			_, data, err := conn.ReadMessage()
			if !assert.NoError(t, err) {
				return
			}
			f, err := decodeFrame(data)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, frameAudioOnlyRequest, f.typ)
			chunk, err := f.body()
			if !assert.NoError(t, err) {
				return
			}
			total += len(chunk)
			if f.last() {
				assert.Equal(t, -next, f.sequence)
				break
			}
			assert.Equal(t, next, f.sequence)
			next++
		}
		reply(conn, total)
	}))
}

func serverResponse(t *testing.T, res volcengineResult, last bool) []byte {
	t.Helper()
	body, err := json.Marshal(res)
	assert.NoError(t, err)
	payload, err := gzipBytes(body)
	assert.NoError(t, err)
	f := frame{
		typ:           frameFullServerResponse,
		flags:         flagPositiveSequence,
		serialization: serializationJSON,
		compression:   compressionGzip,
		sequence:      1,
		payload:       payload,
	}
	if last {
		f.flags = flagNegativeSequence
		f.sequence = -1
	}
	return encodeFrame(f)
}

func testTranscriber(srv *httptest.Server) *VolcengineTranscriber {
	return &VolcengineTranscriber{
		AppID:    "app-1",
		Token:    "tok",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Timeout:  2 * time.Second,
	}
}

func TestVolcengineTranscribesRecording(t *testing.T) {
	// 0.5s at 16kHz spans three 200ms chunks
	samples := make([]int16, 8000)
	srv := asrServer(t, func(conn *websocket.Conn, audioBytes int) {
		assert.Equal(t, len(samples)*2, audioBytes)
		var partial volcengineResult
		partial.Result.Text = "I keep"
		assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, partial, false)))
		var final volcengineResult
		final.Code = volcengineOK
		final.Result.Utterances = []struct {
			Text string `json:"text"`
		}{{Text: "I keep"}, {Text: "worrying"}}
		assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, final, true)))
	})
	defer srv.Close()

	got, err := testTranscriber(srv).Transcribe(context.Background(), samples, 16000)
	require.NoError(t, err)
	require.Equal(t, "I keep worrying", got.Text)
	require.InDelta(t, 0.95, got.Confidence, 1e-9)
}

func TestVolcengineReportsErrorFrame(t *testing.T) {
	srv := asrServer(t, func(conn *websocket.Conn, _ int) {
		f := frame{
			typ:         frameError,
			compression: compressionNone,
			code:        45000001,
			payload:     []byte("invalid audio"),
		}
		assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f)))
	})
	defer srv.Close()

	_, err := testTranscriber(srv).Transcribe(context.Background(), make([]int16, 320), 16000)
	require.Error(t, err)
	require.Contains(t, err.Error(), "45000001")
	require.Contains(t, err.Error(), "invalid audio")
}

func TestVolcengineRejectsMissingCredentials(t *testing.T) {
	_, err := NewVolcengineTranscriber("", "tok", 0)
	require.ErrorIs(t, err, ErrMissingCredentials)

	tr, err := NewVolcengineTranscriber(" app ", " tok ", 0)
	require.NoError(t, err)
	require.Equal(t, "app", tr.AppID)
	require.Equal(t, 30*time.Second, tr.Timeout)

	_, err = tr.Transcribe(context.Background(), nil, 16000)
	require.Error(t, err)
}

func TestFrameRoundTripKeepsLastSequence(t *testing.T) {
	f, err := audioFrame([]byte{1, 2, 3, 4}, 5, true)
	require.NoError(t, err)
	got, err := decodeFrame(encodeFrame(f))
	require.NoError(t, err)
	require.True(t, got.last())
	require.Equal(t, int32(-5), got.sequence)
	body, err := got.body()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, body)

	_, err = decodeFrame([]byte{0x21, 0, 0, 0})
	require.Error(t, err)
}

func TestFromConfigSelectsProvider(t *testing.T) {
	tr, err := FromConfig(config.SpeechConfig{})
	require.NoError(t, err)
	require.Nil(t, tr)

	tr, err = FromConfig(config.SpeechConfig{Provider: config.SpeechProviderHTTP, RecognizerURL: "http://asr.local"})
	require.NoError(t, err)
	require.IsType(t, &HTTPTranscriber{}, tr)

	_, err = FromConfig(config.SpeechConfig{Provider: config.SpeechProviderHTTP})
	require.ErrorIs(t, err, ErrNotConfigured)

	tr, err = FromConfig(config.SpeechConfig{
		Provider:   config.SpeechProviderVolcengine,
		AppID:      "app-1",
		Token:      "tok",
		ResourceID: "volc.bigasr.sauc.concurrent",
		Language:   "en-US",
	})
	require.NoError(t, err)
	v := tr.(*VolcengineTranscriber)
	require.Equal(t, "volc.bigasr.sauc.concurrent", v.ResourceID)
	require.Equal(t, "en-US", v.Language)
	require.Equal(t, VolcengineEndpoint, v.Endpoint)

	_, err = FromConfig(config.SpeechConfig{Provider: "whisper"})
	require.Error(t, err)
}
