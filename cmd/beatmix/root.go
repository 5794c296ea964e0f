package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "beatmix",
	Short: "Beat-synchronized playback of a block timeline.",
	Long: `beatmix plays the audio blocks of a YAML project in time with a beat clock.
"play" renders to the local output device; "serve" exposes a control API, a
websocket state feed and a WebRTC monitor stream.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "load settings from this .env file (default ./.env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override BEATMIX_LOG_LEVEL (debug|info|warn|error)")
}
