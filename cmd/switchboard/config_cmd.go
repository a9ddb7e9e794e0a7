package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/camino-travel/switchboard/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	cmd.AddCommand(
		buildConfigValidateCmd(),
		buildConfigSchemaCmd(),
		buildConfigInitCmd(),
	)

	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load the configuration file, expand environment variables, apply
defaults and run the full validation pass. Exits non-zero on any error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: OK\n", configPath)
			fmt.Fprintf(out, "  listen:   %s\n", cfg.HTTP.Addr)
			fmt.Fprintf(out, "  mode:     %s\n", cfg.Routing.ModeDefault)
			fmt.Fprintf(out, "  chatbot:  %s\n", cfg.Chatbot.Provider)
			fmt.Fprintf(out, "  channels: %s\n", enabledChannelNames(cfg))
			if cfg.Store.Driver != "" {
				fmt.Fprintf(out, "  store:    %s\n", cfg.Store.Driver)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		Long: `Print a JSON Schema describing every configuration key. Useful for
editor completion and CI validation of config files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func buildConfigInitCmd() *cobra.Command {
	var (
		outPath string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a commented starter configuration. When run interactively the
command prompts for the console secret; otherwise the secret is left
empty and console authentication stays disabled until one is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(outPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
			}

			secret := promptSecret(bufio.NewReader(cmd.InOrStdin()), "Console bearer secret (empty to disable auth)")

			rendered := strings.Replace(starterConfig, "console_bearer_secret: \"\"",
				fmt.Sprintf("console_bearer_secret: %q", secret), 1)
			if err := os.WriteFile(outPath, []byte(rendered), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Edit the channel credentials, then run: switchboard serve --config "+outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", defaultConfigPath,
		"Destination file")
	cmd.Flags().BoolVar(&force, "force", false,
		"Overwrite an existing file")
	return cmd
}

// promptSecret reads a secret without echoing when stdin is a terminal and
// falls back to a plain line read otherwise.
func promptSecret(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

const starterConfig = `# Switchboard gateway configuration.
# Values support ${VAR} environment expansion.

http:
  addr: ":8080"
  console_bearer_secret: ""

log:
  level: info
  format: json

routing:
  # ai_first routes new conversations to the AI sales agent;
  # human_direct queues everything for an advisor.
  mode_default: ai_first
  time_waster_threshold: 7.0
  ai_confidence_threshold: 0.5
  max_ai_attempts: 3
  max_sales_attempts: 5
  # Uncomment to maintain routing keywords in an ops-owned file.
  # Edits hot-reload without a restart.
  # patterns_file: patterns.json5

queue:
  eviction_interval: 60
  notify_retries: 3

channels:
  whatsapp:
    enabled: false
    token: ${WHATSAPP_TOKEN}
    phone_number_id: ""
    verify_token: ""
    app_secret: ""
  telegram:
    enabled: false
    token: ${TELEGRAM_BOT_TOKEN}
    # Leave webhook_url empty to use long polling.
    webhook_url: ""
  messenger:
    enabled: false
    page_token: ""
    verify_token: ""
    app_secret: ""
  instagram:
    enabled: false
    page_token: ""
    verify_token: ""
    app_secret: ""
  webchat:
    enabled: false
    jwt_secret: ${WEBCHAT_JWT_SECRET}

chatbot:
  # Providers: rules, openai, anthropic, bedrock, gemini.
  provider: rules
  # model: gpt-4o-mini
  # api_key: ${OPENAI_API_KEY}

store:
  # Uncomment for a durable session mirror.
  # driver: sqlite
  # path: switchboard.db

oncall:
  slack:
    token: ""
    channel: ""
`

// enabledChannelNames renders the enabled channel set for validate output.
func enabledChannelNames(cfg *config.Config) string {
	names := channelStates(cfg, true)
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
