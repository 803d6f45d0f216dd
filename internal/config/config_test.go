package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
use_live: false
oauth:
  client_id: "abc"
  client_secret: "def"
`

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Orders.SpreadPipsLimit != 3.5 {
		t.Errorf("spread limit = %v, want 3.5", cfg.Orders.SpreadPipsLimit)
	}
	if cfg.Orders.FillTimeout != 180*time.Second {
		t.Errorf("fill timeout = %v, want 180s", cfg.Orders.FillTimeout)
	}
	if cfg.OAuth.TokenRefreshInterval != 18*time.Minute {
		t.Errorf("refresh interval = %v, want 18m", cfg.OAuth.TokenRefreshInterval)
	}
	if cfg.Stream.StaleAfter != 45*time.Second {
		t.Errorf("stale after = %v, want 45s", cfg.Stream.StaleAfter)
	}
	if got := cfg.Stream.NotifyThresholds; len(got) != 3 || got[0] != 10 || got[2] != 180 {
		t.Errorf("notify thresholds = %v, want [10 60 180]", got)
	}
	if cfg.API.BaseURL != "https://gateway.saxobank.com/sim/openapi" {
		t.Errorf("sim base url = %q", cfg.API.BaseURL)
	}
	if cfg.Timezone != "Asia/Tokyo" {
		t.Errorf("timezone = %q, want Asia/Tokyo", cfg.Timezone)
	}
}

func TestValidateRejectsEnvironmentMismatch(t *testing.T) {
	path := writeConfig(t, `
use_live: true
oauth:
  client_id: "abc"
  client_secret: "def"
api:
  base_url: "https://gateway.saxobank.com/sim/openapi"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for live run with sim base url")
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	path := writeConfig(t, "use_live: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if os.Getenv("SAXO_CLIENT_ID") != "" {
		t.Skip("SAXO_CLIENT_ID set in environment")
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure without client id")
	}
}

func TestEnvironmentDefaultsLive(t *testing.T) {
	path := writeConfig(t, `
use_live: true
oauth:
  client_id: "abc"
  client_secret: "def"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://gateway.saxobank.com/openapi" {
		t.Errorf("live base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.StreamingWSBase != "wss://live-streaming.saxobank.com/oapi/streaming/ws" {
		t.Errorf("live streaming base = %q", cfg.API.StreamingWSBase)
	}
}
