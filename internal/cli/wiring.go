package cli

import (
	"log/slog"
	"net/http"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/config"
	"github.com/zhouzirui/mindwell/internal/lifecycle"
	"github.com/zhouzirui/mindwell/internal/recognizer"
	"github.com/zhouzirui/mindwell/internal/session"
	"github.com/zhouzirui/mindwell/internal/speech"
	"github.com/zhouzirui/mindwell/internal/transport"
)

// newBackend returns nil when no backend URL is configured.
func newBackend(cfg *config.Config) *lifecycle.Client {
	return lifecycle.NewClient(
		cfg.Client.BackendURL,
		cfg.Client.OwnerID,
		lifecycle.StaticToken(cfg.Client.AuthToken),
		cfg.Client.GenerationTimeout,
	)
}

func newRecognizers(cfg *config.Config, device audio.Device, logger *slog.Logger) *recognizer.Factory {
	platform := recognizer.Platform{
		Device:     device,
		SampleRate: cfg.Client.SampleRate,
		Logger:     logger,
	}
	t, err := speech.FromConfig(cfg.Speech)
	switch {
	case err != nil:
		if logger != nil {
			logger.Warn("speech recognition unavailable", "provider", cfg.Speech.Provider, "error", err)
		}
	case t != nil:
		platform.Transcriber = t
	}
	return recognizer.NewFactory(platform)
}

// newPlayer falls back to NopPlayer when no Pulse server is reachable.
func newPlayer(cfg *config.Config, logger *slog.Logger) (audio.Player, func()) {
	player, err := audio.NewPulsePlayer("mindwell", cfg.Client.PulseSink)
	if err != nil {
		if logger != nil {
			logger.Warn("playback disabled", "error", err)
		}
		return audio.NopPlayer{}, func() {}
	}
	return player, player.Close
}

// buildController resolves the engine's collaborators from configuration.
// mode overrides SESSION_MODE when set. cleanup releases the audio output
// once the session is over.
func buildController(cfg *config.Config, mode string, logger *slog.Logger) (ctrl *session.Controller, cleanup func(), err error) {
	if mode == "" {
		mode = cfg.Client.Mode
	}
	policy, err := session.ParsePolicy(mode)
	if err != nil {
		return nil, nil, err
	}

	opts := session.DefaultOptions()
	opts.Policy = policy
	opts.LocalFallback = cfg.Client.LocalFallback
	opts.GenerationTimeout = cfg.Client.GenerationTimeout
	opts.ProbeTimeout = cfg.Client.ProbeTimeout
	opts.FrameSize = cfg.Client.FrameSize
	opts.SampleRate = cfg.Client.SampleRate

	device := audio.PulseDevice{Source: cfg.Client.PulseSource}
	player, cleanup := newPlayer(cfg, logger)
	deps := session.Deps{
		Device:      device,
		Recognizers: newRecognizers(cfg, device, logger),
		Player:      player,
		Logger:      logger,
	}

	if backend := newBackend(cfg); backend != nil {
		deps.Backend = backend
		dialer := transport.NewWebSocketDialer(backend.BaseURL(), logger)
		if cfg.Client.AuthToken != "" {
			dialer.Header = http.Header{"Authorization": []string{"Bearer " + cfg.Client.AuthToken}}
		}
		deps.Dialer = dialer
	}

	return session.NewController(opts, deps), cleanup, nil
}
