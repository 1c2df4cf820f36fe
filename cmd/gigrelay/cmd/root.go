package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "gigrelay",
	Short: "gigrelay pushes marketplace messaging events to browsers",
	Long: `A realtime relay and REST gateway for the FunaGig marketplace.
The relay keeps authenticated websocket connections and fans out events; the
gateway serves the session, messaging and notification API and feeds the
relay over the bridge.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional env file read before the environment")
}
