package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合客户端与服务端的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Store  StoreConfig
	Speech SpeechConfig
	Client ClientConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Store: store, Speech: speech, Client: client}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey              string
	AccessKey           string
	SecretKey           string
	Model               string
	BaseURL             string
	Region              string
	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	EmotionLLMEnabled   bool
	EmotionHistoryLimit int
}

// StoreConfig 描述会话存储配置。未设置 REDIS_ADDR 时使用内存存储。
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TTL 是会话记录在 Redis 中的保留时间。
	TTL time.Duration
}

// UseRedis 表示是否配置了 Redis。
func (c StoreConfig) UseRedis() bool {
	return c.RedisAddr != ""
}

// 语音识别服务提供方。
const (
	SpeechProviderHTTP       = "http"
	SpeechProviderVolcengine = "volcengine"
)

// SpeechConfig 描述语音识别服务配置，客户端与服务端共用。
type SpeechConfig struct {
	// Provider 为空表示未配置语音识别。
	Provider      string
	RecognizerURL string
	Token         string
	// 以下为火山引擎识别配置
	AppID      string
	ResourceID string
	Endpoint   string
	Language   string
	Timeout    time.Duration
}

// Enabled 表示是否配置了语音识别服务。
func (c SpeechConfig) Enabled() bool {
	return c.Provider != ""
}

// Target 返回用于展示的识别服务地址。
func (c SpeechConfig) Target() string {
	if c.Provider == SpeechProviderVolcengine {
		if c.Endpoint != "" {
			return "volcengine " + c.Endpoint
		}
		return "volcengine (app " + c.AppID + ")"
	}
	return c.RecognizerURL
}

// ClientConfig 描述会话引擎的配置。
type ClientConfig struct {
	BackendURL        string
	Mode              string
	LocalFallback     bool
	GenerationTimeout time.Duration
	ProbeTimeout      time.Duration
	FrameSize         int
	SampleRate        int
	PulseSource       string
	PulseSink         string
	AuthToken         string
	OwnerID           string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	emotionEnabled, err := parseBoolEnv("AI_EMOTION_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	emotionHistory := 6
	if historyOverride, err := parseOptionalIntEnv("AI_EMOTION_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if historyOverride != nil {
		if *historyOverride < 1 {
			emotionHistory = 1
		} else {
			emotionHistory = *historyOverride
		}
	}

	return AIConfig{
		APIKey:              strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:           strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:           strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:               strings.TrimSpace(os.Getenv("Model")),
		BaseURL:             getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:              getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:         temperature,
		TopP:                topP,
		MaxTokens:           maxTokens,
		EmotionLLMEnabled:   emotionEnabled,
		EmotionHistoryLimit: emotionHistory,
	}, nil
}

func loadStoreConfig() (StoreConfig, error) {
	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return StoreConfig{}, err
	}
	ttlHours, err := parseOptionalIntEnv("SESSION_TTL_HOURS")
	if err != nil {
		return StoreConfig{}, err
	}

	cfg := StoreConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		TTL:           24 * time.Hour,
	}
	if db != nil {
		cfg.RedisDB = *db
	}
	if ttlHours != nil && *ttlHours > 0 {
		cfg.TTL = time.Duration(*ttlHours) * time.Hour
	}
	return cfg, nil
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil && *timeout > 0 {
		timeoutSeconds = *timeout
	}

	token := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	cfg := SpeechConfig{
		RecognizerURL: strings.TrimSpace(os.Getenv("SPEECH_RECOGNIZER_URL")),
		Token:         token,
		AppID:         strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		ResourceID:    strings.TrimSpace(os.Getenv("SPEECH_RESOURCE_ID")),
		Endpoint:      strings.TrimSpace(os.Getenv("SPEECH_ASR_ENDPOINT")),
		Language:      getEnvOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		Timeout:       time.Duration(timeoutSeconds) * time.Second,
	}

	// 未指定时按已有配置推断：有 AppID 用火山引擎，有 URL 用 HTTP
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("SPEECH_PROVIDER")))
	switch provider {
	case "":
		switch {
		case cfg.AppID != "":
			provider = SpeechProviderVolcengine
		case cfg.RecognizerURL != "":
			provider = SpeechProviderHTTP
		}
	case SpeechProviderHTTP, SpeechProviderVolcengine:
	case "none":
		provider = ""
	default:
		return SpeechConfig{}, fmt.Errorf("invalid SPEECH_PROVIDER value %q", provider)
	}
	cfg.Provider = provider
	return cfg, nil
}

func loadClientConfig() (ClientConfig, error) {
	fallback, err := parseBoolEnv("LOCAL_FALLBACK", true)
	if err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		BackendURL:        strings.TrimSpace(os.Getenv("BACKEND_URL")),
		Mode:              strings.ToLower(getEnvOrDefault("SESSION_MODE", "auto")),
		LocalFallback:     fallback,
		GenerationTimeout: 20 * time.Second,
		ProbeTimeout:      1500 * time.Millisecond,
		FrameSize:         4096,
		SampleRate:        16000,
		PulseSource:       strings.TrimSpace(os.Getenv("PULSE_SOURCE")),
		PulseSink:         strings.TrimSpace(os.Getenv("PULSE_SINK")),
		AuthToken:         strings.TrimSpace(os.Getenv("AUTH_TOKEN")),
		OwnerID:           strings.TrimSpace(os.Getenv("OWNER_ID")),
	}

	switch cfg.Mode {
	case "auto", "remote", "local":
	default:
		return ClientConfig{}, fmt.Errorf("invalid SESSION_MODE value %q", cfg.Mode)
	}

	if v, err := parseOptionalIntEnv("GENERATION_TIMEOUT_SECONDS"); err != nil {
		return ClientConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.GenerationTimeout = time.Duration(*v) * time.Second
	}
	if v, err := parseOptionalIntEnv("PROBE_TIMEOUT_MS"); err != nil {
		return ClientConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.ProbeTimeout = time.Duration(*v) * time.Millisecond
	}
	if v, err := parseOptionalIntEnv("AUDIO_FRAME_SIZE"); err != nil {
		return ClientConfig{}, err
	} else if v != nil {
		if *v <= 0 {
			return ClientConfig{}, fmt.Errorf("invalid AUDIO_FRAME_SIZE value %d", *v)
		}
		cfg.FrameSize = *v
	}
	if v, err := parseOptionalIntEnv("AUDIO_SAMPLE_RATE"); err != nil {
		return ClientConfig{}, err
	} else if v != nil {
		if *v <= 0 {
			return ClientConfig{}, fmt.Errorf("invalid AUDIO_SAMPLE_RATE value %d", *v)
		}
		cfg.SampleRate = *v
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
