// Package config loads the relaybot runtime configuration: a JSON5 file
// overlaid with RELAYBOT_* environment variables. Transport credentials come
// from the environment only and are never written back to disk.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultFileName is the config file looked up when no path is given.
const DefaultFileName = "relaybot.json5"

// Config is the full runtime configuration.
type Config struct {
	StateDir       string `json:"state_dir"`
	SecurityDir    string `json:"security_dir"`
	InboxDir       string `json:"inbox_dir"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
	QueueLimit     int    `json:"queue_limit"`
	DedupCapacity  int    `json:"dedup_capacity"`

	Media    MediaConfig    `json:"media"`
	Outbound OutboundConfig `json:"outbound"`
	Channels ChannelsConfig `json:"channels"`
}

// MediaConfig bounds attachment understanding.
type MediaConfig struct {
	Enabled                bool `json:"enabled"`
	MaxAttachmentsPerEvent int  `json:"max_attachments_per_event"`
	MaxSummaryChars        int  `json:"max_summary_chars"`
}

// OutboundConfig selects the delivery mode and retry bounds.
type OutboundConfig struct {
	Mode             string  `json:"mode"`
	MaxChars         int     `json:"max_chars"`
	SendsPerSecond   float64 `json:"sends_per_second"`
	RetryMaxAttempts int     `json:"retry_max_attempts"`
	RetryBaseDelayMS int64   `json:"retry_base_delay_ms"`
	RetryJitterMS    int64   `json:"retry_jitter_ms"`
}

// ChannelsConfig wires the live connectors.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures the long-poll connector. The token is env-only.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
}

// DiscordConfig configures the REST polling connector. The token is env-only.
type DiscordConfig struct {
	Enabled    bool     `json:"enabled"`
	ChannelIDs []string `json:"channel_ids"`
	BotUserID  string   `json:"bot_user_id"`
	Token      string   `json:"-"`
}

// WhatsAppConfig configures the webhook listener and optional bridge. The
// verify token and app secret are env-only.
type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	WebhookAddr   string `json:"webhook_addr"`
	BridgeEnabled bool   `json:"bridge_enabled"`
	VerifyToken   string `json:"-"`
	AppSecret     string `json:"-"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir:       "state",
		SecurityDir:    "security",
		InboxDir:       "inbox",
		PollIntervalMS: 2000,
		QueueLimit:     64,
		DedupCapacity:  512,
		Media: MediaConfig{
			Enabled:                true,
			MaxAttachmentsPerEvent: 4,
			MaxSummaryChars:        280,
		},
		Outbound: OutboundConfig{
			Mode:             "channel_store",
			MaxChars:         1200,
			RetryMaxAttempts: 3,
			RetryBaseDelayMS: 250,
			RetryJitterMS:    100,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{WebhookAddr: "127.0.0.1:18980"},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("RELAYBOT_STATE_DIR", &c.StateDir)
	envStr("RELAYBOT_SECURITY_DIR", &c.SecurityDir)
	envStr("RELAYBOT_INBOX_DIR", &c.InboxDir)
	envInt("RELAYBOT_QUEUE_LIMIT", &c.QueueLimit)
	envInt("RELAYBOT_DEDUP_CAPACITY", &c.DedupCapacity)
	envStr("RELAYBOT_OUTBOUND_MODE", &c.Outbound.Mode)

	envStr("RELAYBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("RELAYBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("RELAYBOT_WHATSAPP_VERIFY_TOKEN", &c.Channels.WhatsApp.VerifyToken)
	envStr("RELAYBOT_WHATSAPP_APP_SECRET", &c.Channels.WhatsApp.AppSecret)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.VerifyToken != "" && c.Channels.WhatsApp.AppSecret != "" {
		c.Channels.WhatsApp.Enabled = true
	}
}
