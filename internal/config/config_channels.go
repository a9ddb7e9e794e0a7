package config

import "fmt"

// ChannelsConfig holds per-transport credentials and the shared inbound
// concurrency bound.
type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Messenger MessengerConfig `yaml:"messenger"`
	Instagram MessengerConfig `yaml:"instagram"`
	WebChat   WebChatConfig   `yaml:"webchat"`

	// MaxInflight bounds concurrent in-flight inbound messages per channel;
	// webhooks beyond it are rejected with a retryable status.
	MaxInflight int `yaml:"max_inflight"`
}

// WhatsAppConfig configures the WhatsApp Cloud API connector.
type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Token         string `yaml:"token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	VerifyToken   string `yaml:"verify_token"`
	AppSecret     string `yaml:"app_secret"`
}

// TelegramConfig configures the Telegram bot connector.
type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Token         string `yaml:"token"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// MessengerConfig configures a Graph Send API connector; Instagram DMs reuse
// the same shape.
type MessengerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	PageToken   string `yaml:"page_token"`
	AppSecret   string `yaml:"app_secret"`
	VerifyToken string `yaml:"verify_token"`
}

// WebChatConfig configures the website chat WebSocket connector.
type WebChatConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Validate rejects enabled channels with missing credentials.
func (c *ChannelsConfig) Validate() error {
	if c.WhatsApp.Enabled {
		if c.WhatsApp.Token == "" || c.WhatsApp.PhoneNumberID == "" {
			return fmt.Errorf("channels.whatsapp requires token and phone_number_id")
		}
		if c.WhatsApp.VerifyToken == "" {
			return fmt.Errorf("channels.whatsapp requires verify_token")
		}
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram requires token")
	}
	if c.Messenger.Enabled {
		if c.Messenger.PageToken == "" || c.Messenger.AppSecret == "" {
			return fmt.Errorf("channels.messenger requires page_token and app_secret")
		}
	}
	if c.Instagram.Enabled {
		if c.Instagram.PageToken == "" || c.Instagram.AppSecret == "" {
			return fmt.Errorf("channels.instagram requires page_token and app_secret")
		}
	}
	if c.WebChat.Enabled && c.WebChat.JWTSecret == "" {
		return fmt.Errorf("channels.webchat requires jwt_secret")
	}
	return nil
}
