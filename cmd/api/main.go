package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/mindwell/internal/config"
	"github.com/zhouzirui/mindwell/internal/handler"
	"github.com/zhouzirui/mindwell/internal/service/ai"
	emotionservice "github.com/zhouzirui/mindwell/internal/service/emotion"
	sessionservice "github.com/zhouzirui/mindwell/internal/service/session"
	"github.com/zhouzirui/mindwell/internal/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize session store
	var store sessionservice.Store
	if cfg.Store.UseRedis() {
		redisStore, err := sessionservice.NewRedisStore(ctx, sessionservice.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			TTL:      cfg.Store.TTL,
		})
		if err != nil {
			log.Printf("warning: failed to connect to redis: %v", err)
			log.Println("continuing with in-memory session store")
		} else {
			defer redisStore.Close()
			store = redisStore
			log.Printf("Redis session store connected at %s", cfg.Store.RedisAddr)
		}
	}
	if store == nil {
		store = sessionservice.NewMemoryStore()
	}
	sessions := sessionservice.NewService(store)

	// Initialize AI service
	var aiService *ai.Service
	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err == nil {
			aiService, err = ai.NewService(ctx, chatModel)
		}
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing with template replies - 请检查 Ark 模型相关环境变量")
			chatModel = nil
		} else {
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，使用模板回复")
	}

	// Initialize emotion analysis service (LLM-based guidance with fallback)
	emotionCfg := emotionservice.Config{
		Enabled:      cfg.AI.EmotionLLMEnabled,
		HistoryLimit: cfg.AI.EmotionHistoryLimit,
	}
	emotionSvc, err := emotionservice.NewService(ctx, chatModel, emotionCfg)
	if err != nil {
		log.Printf("warning: failed to initialize emotion service: %v", err)
		emotionSvc = nil
	} else if emotionSvc.Enabled() {
		log.Println("Emotion classifier service enabled")
	} else if emotionCfg.Enabled {
		log.Println("Emotion classifier requested but chat model unavailable, falling back to keywords")
	}

	deps := handler.Dependencies{Sessions: sessions}
	if aiService != nil {
		deps.Responder = ai.LLMResponder{AI: aiService, Emotions: emotionSvc}
	}

	// Initialize speech recognition
	if transcriber, err := speech.FromConfig(cfg.Speech); err != nil {
		log.Printf("warning: failed to initialize speech recognition: %v", err)
	} else if transcriber != nil {
		deps.Transcriber = transcriber
		log.Printf("Speech recognition enabled (provider=%s)", cfg.Speech.Provider)
	} else {
		log.Println("语音识别未配置，语音输入将返回错误")
	}

	router := handler.NewRouter(deps)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Mindwell backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
