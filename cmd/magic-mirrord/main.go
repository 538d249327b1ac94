// Command magic-mirrord is the server binary: it loads config, builds
// the session/attachment/transport stack, and serves until it receives
// a termination signal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colinmarc/magic-mirror/internal/config"
	"github.com/colinmarc/magic-mirror/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "magic-mirrord",
	Short: "magic-mirror game-streaming server",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("magic-mirrord v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/magic-mirror/magic-mirror.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging (re)configures the global logger from cfg. Call once
// after config.Load() and before any other component starts logging.
func initLogging(cfg *config.Config) {
	logging.Init(cfg.Server.LogFormat, cfg.Server.LogLevel, os.Stdout)
}
