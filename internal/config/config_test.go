package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if cfg.StateDir != want.StateDir || cfg.QueueLimit != want.QueueLimit {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
	if cfg.Outbound.Mode != "channel_store" {
		t.Errorf("outbound mode = %q, want channel_store default", cfg.Outbound.Mode)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaybot.json5")
	content := `{
		// comments are allowed
		state_dir: "/var/lib/relaybot",
		queue_limit: 16,
		outbound: {mode: "dry_run", max_chars: 600},
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/var/lib/relaybot" || cfg.QueueLimit != 16 {
		t.Errorf("cfg = %+v, want file values applied", cfg)
	}
	if cfg.Outbound.Mode != "dry_run" || cfg.Outbound.MaxChars != 600 {
		t.Errorf("outbound = %+v, want dry_run/600", cfg.Outbound)
	}
	// Unset fields keep their defaults.
	if cfg.DedupCapacity != 512 {
		t.Errorf("dedup capacity = %d, want default 512", cfg.DedupCapacity)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaybot.json5")
	if err := os.WriteFile(path, []byte("{state_dir:"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for malformed config")
	}
}

func TestEnvOverridesAndAutoEnable(t *testing.T) {
	t.Setenv("RELAYBOT_STATE_DIR", "/tmp/relay-state")
	t.Setenv("RELAYBOT_QUEUE_LIMIT", "8")
	t.Setenv("RELAYBOT_OUTBOUND_MODE", "provider")
	t.Setenv("RELAYBOT_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("RELAYBOT_WHATSAPP_VERIFY_TOKEN", "verify")
	t.Setenv("RELAYBOT_WHATSAPP_APP_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/tmp/relay-state" || cfg.QueueLimit != 8 {
		t.Errorf("cfg = %+v, want env values applied", cfg)
	}
	if cfg.Outbound.Mode != "provider" {
		t.Errorf("mode = %q, want provider", cfg.Outbound.Mode)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram = %+v, want auto-enabled with token", cfg.Channels.Telegram)
	}
	if !cfg.Channels.WhatsApp.Enabled {
		t.Error("whatsapp should auto-enable with both secrets set")
	}
	if cfg.Channels.Discord.Enabled {
		t.Error("discord must stay disabled without a token")
	}
}

func TestSecretsNeverSerialize(t *testing.T) {
	cfg := Default()
	cfg.Channels.Telegram.Token = "tg-secret"
	cfg.Channels.Discord.Token = "dc-secret"
	cfg.Channels.WhatsApp.VerifyToken = "wa-verify"
	cfg.Channels.WhatsApp.AppSecret = "wa-secret"

	encoded, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, secret := range []string{"tg-secret", "dc-secret", "wa-verify", "wa-secret"} {
		if strings.Contains(string(encoded), secret) {
			t.Errorf("serialized config leaks %q", secret)
		}
	}
}
