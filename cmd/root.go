package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/4citeB4U/familyreunion/internal/logging"
	"github.com/4citeB4U/familyreunion/internal/ui"
	"github.com/4citeB4U/familyreunion/internal/version"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "familyreunion",
	Short:   "Signaling relay and client for small family video rooms",
	Long:    `familyreunion runs a WebSocket signaling relay that groups clients into rooms, and a terminal client that joins a room, chats and negotiates WebRTC sessions with every other member.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(flagLogLevel, flagLogFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "Log format: console or json")

	rootCmd.AddCommand(relayCmd, createCmd, joinCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ui.FormatError(err))
		stop()
		os.Exit(1)
	}
}
