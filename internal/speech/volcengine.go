package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/mindwell/internal/audio"
)

const (
	// VolcengineEndpoint 是流式输入模式的识别端点，整段音频发送完后返回结果。
	VolcengineEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	// VolcengineResourceID 为小时版资源；并发版为 volc.bigasr.sauc.concurrent。
	VolcengineResourceID = "volc.bigasr.sauc.duration"

	volcengineChunk = 200 * time.Millisecond
	// 服务端成功码
	volcengineOK = 20000000
)

// ErrMissingCredentials 表示火山引擎语音配置缺少 AppID 或 AccessToken。
var ErrMissingCredentials = errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")

// VolcengineTranscriber 通过火山引擎大模型语音识别 WebSocket 接口转写一段 PCM16 音频。
type VolcengineTranscriber struct {
	AppID      string
	Token      string
	ResourceID string
	Endpoint   string
	Language   string
	Timeout    time.Duration
	// ChunkInterval 控制音频分包的发送间隔，模拟实时音频流；为 0 时连续发送。
	ChunkInterval time.Duration
	Dialer        *websocket.Dialer
}

// NewVolcengineTranscriber 创建火山引擎识别器，凭证缺失时返回 ErrMissingCredentials。
func NewVolcengineTranscriber(appID, token string, timeout time.Duration) (*VolcengineTranscriber, error) {
	appID = strings.TrimSpace(appID)
	token = strings.TrimSpace(token)
	if appID == "" || token == "" {
		return nil, ErrMissingCredentials
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VolcengineTranscriber{
		AppID:         appID,
		Token:         token,
		ResourceID:    VolcengineResourceID,
		Endpoint:      VolcengineEndpoint,
		Language:      "zh-CN",
		Timeout:       timeout,
		ChunkInterval: volcengineChunk,
		Dialer:        &websocket.Dialer{HandshakeTimeout: timeout},
	}, nil
}

type volcengineRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type volcengineResult struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

func (t *VolcengineTranscriber) Transcribe(ctx context.Context, samples []int16, sampleRate int) (Transcription, error) {
	if t == nil || t.AppID == "" || t.Token == "" {
		return Transcription{}, ErrMissingCredentials
	}
	if len(samples) == 0 {
		return Transcription{}, errors.New("no audio data to send")
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", t.AppID)
	header.Set("X-Api-Access-Key", t.Token)
	header.Set("X-Api-Resource-Id", firstNonEmpty(t.ResourceID, VolcengineResourceID))
	header.Set("X-Api-Connect-Id", connectID)

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, firstNonEmpty(t.Endpoint, VolcengineEndpoint), header)
	if err != nil {
		return Transcription{}, fmt.Errorf("connect ASR websocket: %w", err)
	}
	defer conn.Close()
	if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
		log.Printf("[asr] connected logid=%s connect_id=%s", logid, connectID)
	}
	// 读写阻塞时由 ctx 关闭连接
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	body, err := json.Marshal(t.buildRequest(connectID, sampleRate))
	if err != nil {
		return Transcription{}, fmt.Errorf("marshal ASR request: %w", err)
	}
	req, err := requestFrame(body)
	if err != nil {
		return Transcription{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(req)); err != nil {
		return Transcription{}, fmt.Errorf("send ASR request: %w", err)
	}

	// 发送与接收并发进行，服务端提前报错时可以及时停止发送
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- t.sendAudio(ctx, conn, audio.PCM16Bytes(samples), sampleRate)
	}()

	text, err := receiveTranscript(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Transcription{}, ctxErr
		}
		select {
		case sErr := <-sendErr:
			if sErr != nil {
				return Transcription{}, fmt.Errorf("send audio: %w", sErr)
			}
		default:
		}
		return Transcription{}, err
	}

	out := Transcription{Text: strings.TrimSpace(text)}
	if out.Text != "" {
		out.Confidence = 0.95
	}
	return out, nil
}

func (t *VolcengineTranscriber) buildRequest(uid string, sampleRate int) volcengineRequest {
	var req volcengineRequest
	req.User.UID = uid
	req.Audio.Language = firstNonEmpty(t.Language, "zh-CN")
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = sampleRate
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// sendAudio 按 200ms 一包发送音频，FullClientRequest 占用序号 1，音频从 2 开始。
func (t *VolcengineTranscriber) sendAudio(ctx context.Context, conn *websocket.Conn, pcm []byte, sampleRate int) error {
	chunkSize := sampleRate * 2 * int(volcengineChunk/time.Millisecond) / 1000
	if chunkSize <= 0 {
		chunkSize = len(pcm)
	}
	seq := int32(2)
	for start := 0; start < len(pcm); start += chunkSize {
		end := min(start+chunkSize, len(pcm))
		last := end == len(pcm)
		f, err := audioFrame(pcm[start:end], seq, last)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f)); err != nil {
			return err
		}
		if last {
			return nil
		}
		seq++
		if t.ChunkInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.ChunkInterval):
			}
		}
	}
	return nil
}

// receiveTranscript 读取服务端响应，直到最后一包。
func receiveTranscript(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read ASR response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return "", fmt.Errorf("decode ASR frame: %w", err)
		}

		switch f.typ {
		case frameError:
			body, _ := f.body()
			return "", fmt.Errorf("ASR error %d: %s", f.code, strings.TrimSpace(string(body)))
		case frameFullServerResponse:
			body, err := f.body()
			if err != nil {
				return "", fmt.Errorf("decompress ASR payload: %w", err)
			}
			var res volcengineResult
			if err := json.Unmarshal(body, &res); err != nil {
				log.Printf("[asr] unmarshal response failed: %v", err)
				continue
			}
			if res.Code != 0 && res.Code != volcengineOK {
				return "", fmt.Errorf("ASR API error %d: %s", res.Code, res.Message)
			}
			if candidate := res.transcript(); candidate != "" {
				text = candidate
			}
			if f.last() || res.Sequence < 0 {
				return text, nil
			}
		default:
			// 音频 ACK 等其他类型忽略
		}
	}
}

func (r volcengineResult) transcript() string {
	if r.Result.Text != "" {
		return r.Result.Text
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for _, u := range r.Result.Utterances {
		if u.Text != "" {
			parts = append(parts, u.Text)
		}
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
