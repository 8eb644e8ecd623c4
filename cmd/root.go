// Package cmd implements the turbulenced command-line entry point.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"turbulenced/internal/beep"
	"turbulenced/internal/config"
	"turbulenced/internal/orchestrator"
	"turbulenced/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "1.0.2"
	BuildTime = "unknown"
)

// defaultSysconfdir is the compiled-in fallback config location,
// reported by --conf-location and used when --config is not given.
const defaultSysconfdir = "/etc/turbulence/turbulence.conf.xml"

// Global flags
var (
	globalConfig       string
	globalConfLocation bool
	globalLog          string
	globalLogFormat    string
	globalDebug        bool
)

// Exit codes (spec.md §6.5).
const (
	exitOK             = 0
	exitConfigError    = 1
	exitEngineInit     = 2
	exitModuleInitFail = 3
)

// rootCmd is the base command for turbulenced.
var rootCmd = &cobra.Command{
	Use:   "turbulenced",
	Short: "BEEP application server core",
	Long: `turbulenced is a BEEP (RFC 3080/3081) application server core: it
matches incoming connections against profile-path rules, supervises
per-path child processes, and hosts pluggable modules.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
	RunE: runDaemon,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalConfig, "config", "c", "", "path to the turbulence.conf.xml configuration file")
	rootCmd.PersistentFlags().BoolVar(&globalConfLocation, "conf-location", false, "print the resolved configuration path and exit")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}

func configPath() string {
	if globalConfig != "" {
		return globalConfig
	}
	return defaultSysconfdir
}

// runDaemon is the parent-process entry point: load config, build the
// orchestrator Context, start it, then block on signals until shutdown.
func runDaemon(cmd *cobra.Command, args []string) error {
	if globalConfLocation {
		fmt.Println(configPath())
		return nil
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		logging.Error("config load failed", "error", err)
		os.Exit(exitConfigError)
	}
	os.Setenv(configEnvVar, configPath())

	// This repository does not implement wire-compliant BEEP framing
	// (spec.md's own Non-goals) — TestDriver is the only Driver this
	// repo ships, so the daemon entry point wires it in directly. A
	// real deployment links a genuine BEEP engine behind the same
	// beep.Driver seam.
	driver := beep.NewTestDriver()

	orch, err := orchestrator.New(cfg, driver)
	if err != nil {
		logging.Error("orchestrator init failed", "error", err)
		os.Exit(exitEngineInit)
	}

	if err := orch.Start(); err != nil {
		logging.Error("module init failed under clean-start", "error", err)
		os.Exit(exitModuleInitFail)
	}

	// orch.Run installs its own SIGINT/SIGTERM/SIGHUP handling, so the
	// context passed in only needs to be the base background context.
	orch.Run(context.Background(), configPath())
	return nil
}

// GetContext returns a context that cancels on SIGINT/SIGTERM, for
// subcommands that need one. No command in this package calls it: the
// daemon's signal handling lives in orchestrator.Run, and the hidden child
// entry point installs none.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
