package therapy

import (
	"fmt"
	"strings"
)

// Emotion is the tag a user picks when opening a session.
type Emotion string

const (
	Anxiety    Emotion = "anxiety"
	Sadness    Emotion = "sadness"
	Stress     Emotion = "stress"
	Anger      Emotion = "anger"
	Loneliness Emotion = "loneliness"
	Happiness  Emotion = "happiness"
	Neutral    Emotion = "neutral"
)

const (
	MinIntensity = 1
	MaxIntensity = 10
)

var supportedEmotions = []Emotion{Anxiety, Sadness, Stress, Anger, Loneliness, Happiness, Neutral}

// SupportedEmotions returns every emotion tag the engine understands.
func SupportedEmotions() []Emotion {
	return append([]Emotion(nil), supportedEmotions...)
}

// ParseEmotion normalizes user input into a supported tag. Common synonyms
// used by the session picker are accepted too.
func ParseEmotion(raw string) (Emotion, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "":
		return Neutral, nil
	case "anxious", "worried", "fear":
		return Anxiety, nil
	case "sad", "depressed", "depression", "grief":
		return Sadness, nil
	case "stressed", "overwhelmed", "burnout":
		return Stress, nil
	case "angry", "frustrated", "frustration":
		return Anger, nil
	case "lonely", "isolated":
		return Loneliness, nil
	case "happy", "joy", "calm":
		return Happiness, nil
	}
	for _, e := range supportedEmotions {
		if string(e) == normalized {
			return e, nil
		}
	}
	return "", fmt.Errorf("unsupported emotion %q", raw)
}

// ClampIntensity keeps an intensity inside the 1–10 scale.
func ClampIntensity(v int) int {
	if v < MinIntensity {
		return MinIntensity
	}
	if v > MaxIntensity {
		return MaxIntensity
	}
	return v
}

// ValidateIntensity rejects values outside the 1–10 scale.
func ValidateIntensity(v int) error {
	if v < MinIntensity || v > MaxIntensity {
		return fmt.Errorf("intensity %d out of range [%d, %d]", v, MinIntensity, MaxIntensity)
	}
	return nil
}
