// Command nitrogen is the Wayland screen-sharing engine's CLI: cast starts
// a session, list-sources/info probe capabilities, stop/status talk to a
// running session over its IPC socket, per spec §6.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ghostkellz/nitrogen/internal/config"
	"github.com/ghostkellz/nitrogen/internal/logging"
)

// Exit codes, per spec §6.
const (
	exitSuccess               = 0
	exitInvalidArguments      = 2
	exitSourceSelectCancelled = 3
	exitHardwareUnavailable   = 4
	exitPortalUnavailable     = 5
	exitSessionAlreadyRunning = 6
	exitGenericFailure        = 1
)

var cfgFile string

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "nitrogen",
	Short: "Wayland-native screen-sharing engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/nitrogen/nitrogen.yaml)")
	rootCmd.AddCommand(castCmd, listSourcesCmd, infoCmd, stopCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGenericFailure)
	}
}

// loadConfig loads the effective configuration and initializes logging
// from it: config load failure exits before a logger exists, successful
// load re-initializes the package logger.
// Config file resolution order, per spec §6: --config flag, then
// NITROGEN_CONFIG, then the well-known per-user path.
func loadConfig() *config.Config {
	path := cfgFile
	if path == "" {
		path = os.Getenv("NITROGEN_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitInvalidArguments)
	}
	initLogging(cfg)
	return cfg
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 10, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}
