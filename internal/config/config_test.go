package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/camino-travel/switchboard/pkg/models"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("explicit addr overwritten, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadHeaderTimeoutS != 5 || cfg.HTTP.ShutdownGraceS != 15 {
		t.Errorf("http timeouts = %d/%d, want 5/15",
			cfg.HTTP.ReadHeaderTimeoutS, cfg.HTTP.ShutdownGraceS)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Routing.ModeDefault != string(models.RoutingAIFirst) {
		t.Errorf("mode default = %q, want ai_first", cfg.Routing.ModeDefault)
	}
	if cfg.Routing.IdleTTLS != 3600 {
		t.Errorf("idle ttl = %d, want 3600", cfg.Routing.IdleTTLS)
	}
	if cfg.Routing.TimeWasterThreshold != 7.0 {
		t.Errorf("time waster threshold = %v, want 7.0", cfg.Routing.TimeWasterThreshold)
	}
	if cfg.Routing.MaxAIAttempts != 3 || cfg.Routing.MaxSalesAttempts != 5 {
		t.Errorf("attempt caps = %d/%d, want 3/5",
			cfg.Routing.MaxAIAttempts, cfg.Routing.MaxSalesAttempts)
	}
	if cfg.Routing.AIConfidenceThreshold != 0.5 {
		t.Errorf("confidence threshold = %v, want 0.5", cfg.Routing.AIConfidenceThreshold)
	}
	if cfg.Routing.HistoryLimit != models.DefaultHistoryLimit {
		t.Errorf("history limit = %d, want %d", cfg.Routing.HistoryLimit, models.DefaultHistoryLimit)
	}
	if cfg.Queue.EvictionIntervalS != 60 || cfg.Queue.NotifyRetries != 3 {
		t.Errorf("queue defaults = %d/%d, want 60/3",
			cfg.Queue.EvictionIntervalS, cfg.Queue.NotifyRetries)
	}
	if cfg.Send.TimeoutS != 30 || cfg.Send.MaxRetries != 3 {
		t.Errorf("send defaults = %d/%d, want 30/3", cfg.Send.TimeoutS, cfg.Send.MaxRetries)
	}
	if cfg.Channels.MaxInflight != 1000 {
		t.Errorf("max inflight = %d, want 1000", cfg.Channels.MaxInflight)
	}
	if cfg.Chatbot.Provider != "rules" || cfg.Chatbot.MaxTokens != 1024 {
		t.Errorf("chatbot defaults = %s/%d, want rules/1024",
			cfg.Chatbot.Provider, cfg.Chatbot.MaxTokens)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_TOKEN", "tg-token-123")

	path := writeConfig(t, `
channels:
  telegram:
    enabled: true
    token: ${SWITCHBOARD_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels.Telegram.Token != "tg-token-123" {
		t.Errorf("token = %q, want expanded env value", cfg.Channels.Telegram.Token)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown routing mode",
			yaml:    "routing:\n  mode_default: sideways",
			wantErr: "mode_default",
		},
		{
			name:    "negative time waster threshold",
			yaml:    "routing:\n  time_waster_threshold: -1",
			wantErr: "time_waster_threshold",
		},
		{
			name:    "confidence out of range",
			yaml:    "routing:\n  ai_confidence_threshold: 1.5",
			wantErr: "ai_confidence_threshold",
		},
		{
			name:    "negative idle ttl",
			yaml:    "routing:\n  idle_ttl: -10",
			wantErr: "idle_ttl",
		},
		{
			name:    "negative eviction interval",
			yaml:    "queue:\n  eviction_interval: -1",
			wantErr: "eviction_interval",
		},
		{
			name:    "unknown chatbot provider",
			yaml:    "chatbot:\n  provider: eliza",
			wantErr: "chatbot.provider",
		},
		{
			name:    "unknown store driver",
			yaml:    "store:\n  driver: dynamo",
			wantErr: "store.driver",
		},
		{
			name:    "postgres without dsn",
			yaml:    "store:\n  driver: postgres",
			wantErr: "store.dsn",
		},
		{
			name:    "whatsapp missing credentials",
			yaml:    "channels:\n  whatsapp:\n    enabled: true",
			wantErr: "whatsapp",
		},
		{
			name:    "webchat missing jwt secret",
			yaml:    "channels:\n  webchat:\n    enabled: true",
			wantErr: "jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "http: [not: a: mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("default addr = %q, want :8080", cfg.HTTP.Addr)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.Routing.IdleTTLS = 120
	cfg.Queue.EvictionIntervalS = 30
	cfg.Send.TimeoutS = 7

	if got := cfg.IdleTTL(); got != 2*time.Minute {
		t.Errorf("IdleTTL() = %v, want 2m", got)
	}
	if got := cfg.EvictionInterval(); got != 30*time.Second {
		t.Errorf("EvictionInterval() = %v, want 30s", got)
	}
	if got := cfg.SendTimeout(); got != 7*time.Second {
		t.Errorf("SendTimeout() = %v, want 7s", got)
	}
	if got := cfg.DefaultRoutingMode(); got != models.RoutingAIFirst {
		t.Errorf("DefaultRoutingMode() = %v, want ai_first", got)
	}
}

func TestSQLiteStoreDefaultsPath(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Path != "switchboard.db" {
		t.Errorf("sqlite path = %q, want switchboard.db", cfg.Store.Path)
	}
}

func TestJSONSchemaMentionsRoutingKeys(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, key := range []string{"time_waster_threshold", "console_bearer_secret", "phone_number_id"} {
		if !strings.Contains(string(schema), key) {
			t.Errorf("schema missing %q", key)
		}
	}
}
