package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/model/therapy"
	"github.com/zhouzirui/mindwell/internal/service/ai"
	sessionsvc "github.com/zhouzirui/mindwell/internal/service/session"
	asr "github.com/zhouzirui/mindwell/internal/speech"
	"github.com/zhouzirui/mindwell/internal/transport"
	"github.com/zhouzirui/mindwell/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	// maxBufferedSamples 限制单次语音的缓存长度，约两分钟 16kHz 音频。
	maxBufferedSamples = 16000 * 120
)

// WebSocketHandler WebSocket会话处理器，使用与客户端相同的信封协议。
type WebSocketHandler struct {
	sessions    *sessionsvc.Service
	responder   ai.Responder
	transcriber asr.Transcriber
	upgrader    websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器。transcriber 为 nil 时语音输入会返回错误信封。
func NewWebSocketHandler(sessions *sessionsvc.Service, responder ai.Responder, transcriber asr.Transcriber) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:    sessions,
		responder:   responder,
		transcriber: transcriber,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) send(env transport.Envelope) {
	data, err := transport.Encode(env)
	if err != nil {
		log.Printf("[websocket] encode %s failed: %v", env.Type, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[websocket] write %s failed: %v", env.Type, err)
	}
}

func (c *connection) sendError(message string) {
	c.send(transport.ErrorEnvelope(message))
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// connectionState 记录一次连接上的语音缓存。
type connectionState struct {
	session    therapy.Session
	capturing  bool
	samples    []int16
	sampleRate int
	frames     int
}

func (s *connectionState) reset() {
	s.samples = s.samples[:0]
	s.frames = 0
	s.sampleRate = 0
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sessionsvc.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session.EndedAt != nil {
		utils.RespondError(w, http.StatusConflict, "session already ended")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &connection{conn: ws}
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	state := &connectionState{session: session}
	conn.send(transport.Connected())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			log.Printf("[websocket] connection closed for session: %s", sessionID)
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		env, err := transport.Decode(data)
		if err != nil {
			log.Printf("[websocket] dropping malformed envelope session=%s: %v", sessionID, err)
			conn.sendError("malformed envelope")
			continue
		}

		h.handleEnvelope(ctx, conn, state, env)
	}
}

func (h *WebSocketHandler) handleEnvelope(ctx context.Context, conn *connection, state *connectionState, env transport.Envelope) {
	switch env.Type {
	case transport.TypeText:
		payload, _ := env.TextPayload()
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			conn.sendError("empty message")
			return
		}
		h.processUserText(ctx, conn, state, text)
	case transport.TypeActivityStart:
		state.capturing = true
		state.reset()
	case transport.TypeAudio:
		h.handleAudio(conn, state, env)
	case transport.TypeActivityEnd:
		state.capturing = false
		h.processBufferedAudio(ctx, conn, state)
	default:
		conn.sendError("unsupported message type: " + string(env.Type))
	}
}

func (h *WebSocketHandler) handleAudio(conn *connection, state *connectionState, env transport.Envelope) {
	payload, err := env.AudioPayload()
	if err != nil {
		conn.sendError("invalid audio payload")
		return
	}
	samples, err := payload.Samples()
	if err != nil {
		conn.sendError("invalid audio payload")
		return
	}
	if !state.capturing {
		// 未收到 activityStart 时视为隐式开始
		state.capturing = true
	}
	if len(state.samples)+len(samples) > maxBufferedSamples {
		conn.sendError("audio too long")
		state.reset()
		return
	}
	if payload.SampleRate > 0 {
		state.sampleRate = payload.SampleRate
	}
	state.samples = append(state.samples, samples...)
	state.frames++
}

func (h *WebSocketHandler) processBufferedAudio(ctx context.Context, conn *connection, state *connectionState) {
	samples := append([]int16(nil), state.samples...)
	rate := state.sampleRate
	frames := state.frames
	state.reset()

	if len(samples) == 0 {
		conn.sendError("no audio received")
		return
	}
	if h.transcriber == nil {
		conn.sendError("speech recognition unavailable")
		return
	}
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}

	log.Printf("[websocket] processing audio session=%s frames=%d samples=%d", state.session.ID, frames, len(samples))

	result, err := h.transcriber.Transcribe(ctx, samples, rate)
	if err != nil {
		conn.sendError(fmt.Sprintf("speech recognition failed: %v", err))
		return
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		conn.sendError("no speech detected")
		return
	}

	h.processUserText(ctx, conn, state, text)
}

func (h *WebSocketHandler) processUserText(ctx context.Context, conn *connection, state *connectionState, userText string) {
	sessionID := state.session.ID

	history, err := h.sessions.LoadTranscript(ctx, sessionID)
	if err != nil {
		conn.sendError(fmt.Sprintf("load transcript failed: %v", err))
		return
	}

	if _, err := h.sessions.SaveMessage(ctx, sessionID, therapy.Message{Role: therapy.RoleUser, Content: userText}); err != nil {
		conn.sendError(fmt.Sprintf("save user message failed: %v", err))
		return
	}

	reply, err := h.responder.Reply(ctx, state.session, history, userText)
	if err != nil {
		log.Printf("[websocket] reply generation failed session=%s: %v", sessionID, err)
		conn.sendError("reply generation failed")
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		conn.sendError("reply generation returned no text")
		return
	}

	if _, err := h.sessions.SaveMessage(ctx, sessionID, therapy.Message{Role: therapy.RoleAssistant, Content: reply}); err != nil {
		log.Printf("[websocket] save assistant message failed: %v", err)
	}

	conn.send(transport.Response(reply))
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
