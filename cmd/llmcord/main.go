// Package main provides the CLI entry point for llmcord, a Discord bot that
// answers in reply chains with an LLM.
//
// # Basic Usage
//
// Start the bot:
//
//	llmcord --config config.yaml
//
// Validate a configuration without connecting:
//
//	llmcord check-config --config config.yaml
//
// # Environment Variables
//
//   - LLMCORD_CONFIG: Path to configuration file (default: config.yaml)
//
// Config values may reference environment variables as ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command. Running it without a subcommand
// starts the bot.
func buildRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "llmcord",
		Short: "llmcord - chat with LLMs in Discord reply chains",
		Long: `llmcord answers Discord messages that mention it or reply to it.

Conversations are built by following reply chains back through the
channel, so every reply thread is its own conversation. Responses stream
into Discord by editing the reply as tokens arrive.

Supported LLM providers: any OpenAI-compatible API, Anthropic.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file (or set LLMCORD_CONFIG)")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(buildCheckConfigCmd(&configPath))
	return rootCmd
}

func buildCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and list enabled plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(cmd.OutOrStdout(), resolveConfigPath(*configPath))
		},
	}
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("LLMCORD_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
