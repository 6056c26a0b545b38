package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/mindwell/internal/config"
)

type Dependencies struct {
	Config *config.Config
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mindwell",
		Short: "Guided emotional-support sessions in the terminal",
		Long:  "A session engine that talks to the mindwell backend over a websocket, and falls back to a scripted counselor when the backend is unreachable.",
	}

	rootCmd.AddCommand(NewChatCmd(deps))
	rootCmd.AddCommand(NewProbeCmd(deps))
	rootCmd.AddCommand(NewListenCmd(deps))

	return rootCmd
}
