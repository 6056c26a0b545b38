package speech

import (
	"fmt"

	"github.com/zhouzirui/mindwell/internal/config"
)

// FromConfig builds the configured transcriber. It returns nil, nil when
// speech recognition is not configured.
func FromConfig(cfg config.SpeechConfig) (Transcriber, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case config.SpeechProviderHTTP:
		t := NewHTTPTranscriber(cfg.RecognizerURL, cfg.Token, cfg.Timeout)
		if t == nil {
			return nil, fmt.Errorf("%w: SPEECH_RECOGNIZER_URL is empty", ErrNotConfigured)
		}
		return t, nil
	case config.SpeechProviderVolcengine:
		t, err := NewVolcengineTranscriber(cfg.AppID, cfg.Token, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if cfg.ResourceID != "" {
			t.ResourceID = cfg.ResourceID
		}
		if cfg.Endpoint != "" {
			t.Endpoint = cfg.Endpoint
		}
		if cfg.Language != "" {
			t.Language = cfg.Language
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown speech provider %q", cfg.Provider)
	}
}
