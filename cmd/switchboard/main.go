// Package main provides the CLI entry point for the Switchboard contact
// routing gateway.
//
// Switchboard connects messaging platforms (WhatsApp, Telegram, Messenger,
// Instagram, web chat) to an AI sales agent and a priority queue of human
// advisors, routing every inbound conversation to whichever can serve it
// best.
//
// # Basic Usage
//
// Start the gateway:
//
//	switchboard serve --config switchboard.yaml
//
// Validate a configuration file:
//
//	switchboard config validate --config switchboard.yaml
//
// Generate a starter configuration:
//
//	switchboard config init
//
// # Environment Variables
//
// Configuration values support ${VAR} expansion, so secrets can live in the
// environment:
//
//   - WHATSAPP_TOKEN: WhatsApp Cloud API access token
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY / GEMINI_API_KEY: chatbot providers
//   - SLACK_TOKEN: on-call escalation alerts
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
// Example:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - intelligent contact routing gateway",
		Long: `Switchboard routes inbound customer conversations across messaging
channels to an AI sales agent or to human advisors, based on intent,
purchase signals and agent availability.

Supported channels: WhatsApp, Telegram, Messenger, Instagram, web chat
Supported chatbot providers: rules, OpenAI, Anthropic, AWS Bedrock, Gemini`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
		buildChannelsCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

// resolveConfigPath honors the SWITCHBOARD_CONFIG environment variable when
// the flag was left at its default.
func resolveConfigPath(path string) string {
	if path != defaultConfigPath {
		return path
	}
	if env := os.Getenv("SWITCHBOARD_CONFIG"); env != "" {
		return env
	}
	return path
}

const defaultConfigPath = "switchboard.yaml"
