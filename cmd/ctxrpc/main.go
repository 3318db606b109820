// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luxfi/ctxrpc/internal/config"
	"github.com/luxfi/ctxrpc/internal/logging"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ctxrpc",
	Short: "Exchange JSON context objects with a ctxrpc server",
	Long: `ctxrpc runs and talks to a context exchange server.

A client sends one JSON object per message and the server answers with
{"status": "received", "response": "Processed request from <user>"}.

Settings come from ctxrpc.yaml (or --config) and CTXRPC_* environment
variables. Flags win over both.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

// loadSettings loads the config file and environment, applies the
// persistent flags and builds the logger.
func loadSettings(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	log, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cmd.ErrOrStderr(),
		Fingerprint: cfg.Log.FingerprintUsers,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
