package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sessionHandler "github.com/zhouzirui/mindwell/internal/handler/session"
	"github.com/zhouzirui/mindwell/internal/handler/speech"
	middlewarePkg "github.com/zhouzirui/mindwell/internal/middleware"
	"github.com/zhouzirui/mindwell/internal/service/ai"
	sessionService "github.com/zhouzirui/mindwell/internal/service/session"
	asr "github.com/zhouzirui/mindwell/internal/speech"
	"github.com/zhouzirui/mindwell/pkg/utils"
)

// Dependencies 汇总路由所需的服务。Responder 为空时使用模板回复。
type Dependencies struct {
	Sessions    *sessionService.Service
	Responder   ai.Responder
	Transcriber asr.Transcriber
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Sessions == nil {
		deps.Sessions = sessionService.NewService(nil)
	}
	if deps.Responder == nil {
		deps.Responder = ai.TemplateResponder{}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessions := sessionHandler.New(deps.Sessions)
	ws := speech.NewWebSocketHandler(deps.Sessions, deps.Responder, deps.Transcriber)
	started := time.Now().UTC()

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":  "ok",
				"uptime":  time.Since(started).Round(time.Second).String(),
				"speech":  deps.Transcriber != nil,
				"started": started.Format(time.RFC3339),
			})
		})

		sessions.RegisterRoutes(api)
		ws.RegisterWebSocketRoutes(api)
	})

	return r
}
