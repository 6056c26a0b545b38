package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/mindwell/internal/output"
	"github.com/zhouzirui/mindwell/internal/speech"
	"github.com/zhouzirui/mindwell/internal/transport"
)

func NewProbeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the backend and speech services are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := output.NewFormatter(deps.Out)
			cfg := deps.Config

			backend := newBackend(cfg)
			if backend == nil {
				f.SetupCheck("Backend", false, "BACKEND_URL not set, sessions run on the local counselor")
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.ProbeTimeout)
				err := backend.Probe(ctx)
				cancel()
				if err != nil {
					f.SetupCheck("Backend", false, err.Error())
				} else {
					f.SetupCheck("Backend", true, backend.BaseURL())
				}

				if endpoint, err := transport.EndpointFor(backend.BaseURL(), "<session>"); err == nil {
					f.SetupCheck("Websocket", true, endpoint)
				} else {
					f.SetupCheck("Websocket", false, err.Error())
				}
			}

			if cfg.Speech.Enabled() {
				if _, err := speech.FromConfig(cfg.Speech); err != nil {
					f.SetupCheck("Speech recognition", false, err.Error())
				} else {
					f.SetupCheck("Speech recognition", true, cfg.Speech.Target())
				}
			} else {
				f.SetupCheck("Speech recognition", false, "SPEECH_PROVIDER not set, voice input is disabled in local mode")
			}

			source := cfg.Client.PulseSource
			if source == "" {
				source = "default source"
			}
			f.SetupCheck("Microphone", true, fmt.Sprintf("%s at %d Hz", source, cfg.Client.SampleRate))
			f.Info("Mode: " + cfg.Client.Mode)
			return nil
		},
	}
}
