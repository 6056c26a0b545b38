// Package generator produces assistant replies, either through the remote
// conversational service or the offline simulator.
package generator

import (
	"context"
	"errors"

	"github.com/zhouzirui/mindwell/internal/model/therapy"
)

// ErrTimeout means no reply arrived within the generation ceiling. Callers
// may retry.
var ErrTimeout = errors.New("response generation timed out")

// Generator turns the conversation so far plus the latest user message into
// assistant text.
type Generator interface {
	Generate(ctx context.Context, history []therapy.Message, latest therapy.Message) (string, error)
}

// IsRetryable reports whether a failed generation may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
