package session

import (
	"errors"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/recognizer"
)

const (
	msgOffline          = "We couldn't reach the MindWell service, so this session continues in offline mode. Your conversation is still saved here."
	msgInitFailed       = "We couldn't start a session with the MindWell service. You can still type to the offline companion."
	msgDegraded         = "The connection to the MindWell service was lost. You can keep talking; replies now come from offline mode."
	msgConnection       = "We're having trouble reaching the MindWell service. Please try again in a moment."
	msgTimeout          = "The reply is taking longer than expected. Please try again, or keep typing."
	msgService          = "The service reported a problem: "
	msgGeneric          = "Something went wrong while preparing a reply. Please try again."
	msgNoSpeech         = "I didn't catch any speech. Please try again a little closer to the microphone, or type your message instead."
	msgPermission       = "Microphone access was denied. Please allow microphone access, or continue by typing your message."
	msgNoMicrophone     = "No microphone is available. Please continue by typing your message."
	msgVoiceUnavailable = "Voice input isn't available here. Please type your message instead."
	msgRecognition      = "Speech recognition ran into a problem. Please try again, or type your message instead."
	msgEnded            = "This session has ended."

	placeholderProcessing = "(processing voice message…)"
	placeholderVoice      = "(voice message)"
	placeholderNoSpeech   = "(no speech detected)"
)

// captureNotice maps capture and recognition failures to what the user is
// told.
func captureNotice(err error) string {
	switch {
	case errors.Is(err, recognizer.ErrNoSpeech):
		return msgNoSpeech
	case errors.Is(err, recognizer.ErrPermissionDenied), errors.Is(err, audio.ErrPermissionDenied):
		return msgPermission
	case errors.Is(err, recognizer.ErrUnavailable):
		return msgVoiceUnavailable
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return msgNoMicrophone
	default:
		return msgRecognition
	}
}
