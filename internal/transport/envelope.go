// Package transport carries protocol envelopes between the session engine
// and the remote conversational service.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/mindwell/internal/audio"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeText          Type = "text"
	TypeAudio         Type = "audio"
	TypeActivityStart Type = "activityStart"
	TypeActivityEnd   Type = "activityEnd"
	TypeConnected     Type = "connected"
	TypeResponse      Type = "response"
	TypeError         Type = "error"
)

// ErrMalformedEnvelope is returned by Decode for payloads that cannot be
// understood. Receivers log and drop such envelopes.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one protocol unit.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TextPayload is carried by text and response envelopes.
type TextPayload struct {
	Text string `json:"text"`
}

// AudioPayload carries one base64 PCM16 mono frame.
type AudioPayload struct {
	AudioData      string `json:"audioData"`
	SampleRate     int    `json:"sampleRate"`
	MimeType       string `json:"mimeType"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

// ErrorPayload is sent by the server when a request fails.
type ErrorPayload struct {
	Message string `json:"message"`
}

func newEnvelope(t Type, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// payload types above always marshal
		panic(fmt.Sprintf("marshal %s payload: %v", t, err))
	}
	return Envelope{Type: t, Payload: raw}
}

func Text(text string) Envelope { return newEnvelope(TypeText, TextPayload{Text: text}) }

func Response(text string) Envelope { return newEnvelope(TypeResponse, TextPayload{Text: text}) }

func ErrorEnvelope(message string) Envelope {
	return newEnvelope(TypeError, ErrorPayload{Message: message})
}

func ActivityStart() Envelope { return newEnvelope(TypeActivityStart, struct{}{}) }

func ActivityEnd() Envelope { return newEnvelope(TypeActivityEnd, struct{}{}) }

func Connected() Envelope { return newEnvelope(TypeConnected, struct{}{}) }

// Audio wraps a captured frame.
func Audio(frame audio.Frame) Envelope {
	return newEnvelope(TypeAudio, AudioPayload{
		AudioData:      base64.StdEncoding.EncodeToString(audio.PCM16Bytes(frame.Samples)),
		SampleRate:     frame.SampleRate,
		MimeType:       audio.MimeType(frame.SampleRate),
		SequenceNumber: frame.Seq,
	})
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses and validates one wire message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch env.Type {
	case TypeText, TypeResponse:
		if _, err := env.TextPayload(); err != nil {
			return Envelope{}, err
		}
	case TypeAudio:
		if _, err := env.AudioPayload(); err != nil {
			return Envelope{}, err
		}
	case TypeError:
		if _, err := env.ErrorPayload(); err != nil {
			return Envelope{}, err
		}
	case TypeActivityStart, TypeActivityEnd, TypeConnected:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}
	return env, nil
}

// TextPayload decodes a text or response payload.
func (e Envelope) TextPayload() (TextPayload, error) {
	var p TextPayload
	if err := e.decodePayload(&p); err != nil {
		return TextPayload{}, err
	}
	return p, nil
}

// AudioPayload decodes an audio payload and checks the base64 body.
func (e Envelope) AudioPayload() (AudioPayload, error) {
	var p AudioPayload
	if err := e.decodePayload(&p); err != nil {
		return AudioPayload{}, err
	}
	if _, err := base64.StdEncoding.DecodeString(p.AudioData); err != nil {
		return AudioPayload{}, fmt.Errorf("%w: audioData: %v", ErrMalformedEnvelope, err)
	}
	return p, nil
}

// ErrorPayload decodes an error payload.
func (e Envelope) ErrorPayload() (ErrorPayload, error) {
	var p ErrorPayload
	if err := e.decodePayload(&p); err != nil {
		return ErrorPayload{}, err
	}
	return p, nil
}

// Samples decodes the PCM16 body of an audio payload.
func (p AudioPayload) Samples() ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(p.AudioData)
	if err != nil {
		return nil, fmt.Errorf("%w: audioData: %v", ErrMalformedEnvelope, err)
	}
	samples, err := audio.DecodePCM16Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return samples, nil
}

func (e Envelope) decodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s envelope without payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
