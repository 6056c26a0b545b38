// Package speech talks to the speech-to-text collaborator.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/mindwell/internal/audio"
)

// ErrNotConfigured is returned when no transcription endpoint is set.
var ErrNotConfigured = errors.New("speech transcription endpoint not configured")

// Transcription is the text recognized in a block of audio.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcriber converts PCM16 mono audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (Transcription, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, samples []int16, sampleRate int) (Transcription, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, samples []int16, sampleRate int) (Transcription, error) {
	return f(ctx, samples, sampleRate)
}

// HTTPTranscriber posts base64 PCM16 to a speech service.
type HTTPTranscriber struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewHTTPTranscriber returns nil when url is empty so callers can treat the
// capability as absent.
func NewHTTPTranscriber(url, token string, timeout time.Duration) *HTTPTranscriber {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTranscriber{
		URL:    strings.TrimSpace(url),
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

type transcribeRequest struct {
	AudioData  string `json:"audioData"`
	SampleRate int    `json:"sampleRate"`
	MimeType   string `json:"mimeType"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, samples []int16, sampleRate int) (Transcription, error) {
	if t == nil || t.URL == "" {
		return Transcription{}, ErrNotConfigured
	}

	body, err := json.Marshal(transcribeRequest{
		AudioData:  base64.StdEncoding.EncodeToString(audio.PCM16Bytes(samples)),
		SampleRate: sampleRate,
		MimeType:   audio.MimeType(sampleRate),
	})
	if err != nil {
		return Transcription{}, fmt.Errorf("encode transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return Transcription{}, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcription{}, fmt.Errorf("transcription service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Transcription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription response: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}
