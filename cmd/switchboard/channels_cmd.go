package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/camino-travel/switchboard/internal/config"
)

// buildChannelsCmd creates the "channels" command group.
func buildChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect messaging channels",
		Long: `View the messaging channel integrations defined in the configuration.

Switchboard supports:
- WhatsApp: Cloud API webhooks with signed payloads
- Telegram: webhook or long-polling bot
- Messenger and Instagram: Meta Graph webhooks
- Web chat: JWT-authenticated WebSocket widget`,
	}

	cmd.AddCommand(buildChannelsListCmd())
	return cmd
}

func buildChannelsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		Long:  "Display every messaging channel and whether it is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printChannelsList(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

// printChannelsList prints the channel roster with enablement state.
func printChannelsList(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "Configured Channels")
	fmt.Fprintln(out, "===================")
	fmt.Fprintln(out)

	title := cases.Title(language.Und)
	for _, ch := range channelRoster(cfg) {
		state := "Disabled"
		if ch.enabled {
			state = "Enabled"
		}
		fmt.Fprintf(out, "%-12s %s\n", title.String(ch.name), state)
		if ch.enabled && ch.detail != "" {
			fmt.Fprintf(out, "%-12s   %s\n", "", ch.detail)
		}
	}
}

type channelState struct {
	name    string
	enabled bool
	detail  string
}

// channelRoster flattens the per-channel config into a stable display order.
func channelRoster(cfg *config.Config) []channelState {
	telegramMode := "long polling"
	if cfg.Channels.Telegram.WebhookURL != "" {
		telegramMode = "webhook"
	}
	return []channelState{
		{"whatsapp", cfg.Channels.WhatsApp.Enabled,
			fmt.Sprintf("phone number id: %s", cfg.Channels.WhatsApp.PhoneNumberID)},
		{"telegram", cfg.Channels.Telegram.Enabled, telegramMode},
		{"messenger", cfg.Channels.Messenger.Enabled, ""},
		{"instagram", cfg.Channels.Instagram.Enabled, ""},
		{"webchat", cfg.Channels.WebChat.Enabled, ""},
	}
}

// channelStates returns channel names, optionally only the enabled ones.
func channelStates(cfg *config.Config, enabledOnly bool) []string {
	var names []string
	for _, ch := range channelRoster(cfg) {
		if enabledOnly && !ch.enabled {
			continue
		}
		names = append(names, ch.name)
	}
	return names
}
