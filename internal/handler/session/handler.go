package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
	sessionsvc "github.com/zhouzirui/mindwell/internal/service/session"
	"github.com/zhouzirui/mindwell/pkg/utils"
)

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	sessions *sessionsvc.Service
}

// New 创建会话处理器
func New(sessions *sessionsvc.Service) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/sessions/{sessionID}/end", h.handleEndSession)
	r.Get("/sessions/{sessionID}/messages", h.handleListMessages)
	r.Post("/sessions/{sessionID}/messages", h.handleSaveMessage)
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OwnerID   string `json:"ownerId"`
		Emotion   string `json:"emotion"`
		Intensity int    `json:"intensity"`
	}

	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), payload.OwnerID, payload.Emotion, payload.Intensity)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleEndSession 结束会话并返回总结
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.sessions.LoadTranscript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleSaveMessage 保存消息
func (h *Handler) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Role    therapy.Role `json:"role"`
		Content string       `json:"content"`
	}

	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch payload.Role {
	case therapy.RoleUser, therapy.RoleAssistant, therapy.RoleSystem:
	case "":
		payload.Role = therapy.RoleUser
	default:
		utils.RespondError(w, http.StatusBadRequest, "unsupported role")
		return
	}

	saved, err := h.sessions.SaveMessage(r.Context(), chi.URLParam(r, "sessionID"), therapy.Message{
		Role:    payload.Role,
		Content: payload.Content,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, saved)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionsvc.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessionsvc.ErrSessionEnded):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sessionsvc.ErrInvalidEmotion),
		errors.Is(err, sessionsvc.ErrInvalidIntensity),
		errors.Is(err, sessionsvc.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
