package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/mindwell/internal/audio"
	"github.com/zhouzirui/mindwell/internal/output"
	"github.com/zhouzirui/mindwell/internal/recognizer"
)

// NewListenCmd records one utterance and prints its transcript, to check the
// microphone and recognizer without opening a session.
func NewListenCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Recognize one utterance from the microphone",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(deps.Out)
			factory := newRecognizers(deps.Config, audio.PulseDevice{Source: deps.Config.Client.PulseSource}, deps.Logger)
			if !factory.LiveAvailable() {
				return errors.New("speech recognition is not configured, set SPEECH_PROVIDER")
			}

			f.Info("Listening, start speaking...")
			utt, err := factory.Live().RecognizeOnce(cmd.Context())
			switch {
			case errors.Is(err, recognizer.ErrNoSpeech):
				f.Warning("No speech detected")
				return nil
			case err != nil:
				return err
			}
			f.Success(fmt.Sprintf("%q (confidence %.2f)", utt.Text, utt.Confidence))
			return nil
		},
	}
}
