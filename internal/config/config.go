// Package config defines all configuration for the trade execution engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SAXO_* environment variables; a .env file
// in the working directory is loaded first if present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	UseLive   bool            `mapstructure:"use_live"`
	Timezone  string          `mapstructure:"timezone"` // IANA name, default Asia/Tokyo
	PlanPath  string          `mapstructure:"plan_path"`
	StatePath string          `mapstructure:"state_path"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	API       APIConfig       `mapstructure:"api"`
	Orders    OrderConfig     `mapstructure:"orders"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// OAuthConfig holds the authorization-code + PKCE flow settings. ClientID and
// ClientSecret are per-environment; the redirect URI must point at localhost.
type OAuthConfig struct {
	ClientID               string        `mapstructure:"client_id"`
	ClientSecret           string        `mapstructure:"client_secret"`
	AuthEndpoint           string        `mapstructure:"auth_endpoint"`
	TokenEndpoint          string        `mapstructure:"token_endpoint"`
	RedirectURI            string        `mapstructure:"redirect_uri"`
	CallbackTimeout        time.Duration `mapstructure:"callback_timeout"`
	TokenRefreshInterval   time.Duration `mapstructure:"token_refresh_interval"`
	StreamingAuthorize     bool          `mapstructure:"streaming_authorize_enabled"`
	StreamingAuthorizePath string        `mapstructure:"streaming_authorize_path"`
}

// APIConfig holds the OpenAPI gateway and streaming endpoints.
type APIConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	StreamingWSBase string `mapstructure:"streaming_ws_base"`
}

// OrderConfig tunes order placement and the entry/exit workflows.
//
//   - StopLossPips / TakeProfitPips: bracket displacement; 0 disables the leg.
//   - SpreadPipsLimit: entries are skipped above this spread; 0 disables the guard.
//   - RandomDelaySec: upper bound of the randomized entry/exit advance.
//   - FillTimeout: how long to wait on ENS before the audit-API fallback.
type OrderConfig struct {
	StopLossPips    float64       `mapstructure:"stop_loss_pips"`
	TakeProfitPips  float64       `mapstructure:"take_profit_pips"`
	SpreadPipsLimit float64       `mapstructure:"spread_pips_limit"`
	EntryRetryCount int           `mapstructure:"entry_retry_count"`
	ExitRetryCount  int           `mapstructure:"exit_retry_count"`
	RandomDelaySec  int           `mapstructure:"random_delay_sec"`
	FillTimeout     time.Duration `mapstructure:"fill_timeout"`
}

// StreamConfig tunes the ENS WebSocket liveness and reconnect machinery.
type StreamConfig struct {
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	NotifyThresholds  []int         `mapstructure:"notify_thresholds"` // seconds
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// NotifyConfig selects the operator notification sink.
type NotifyConfig struct {
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A .env file is
// merged into the process environment first, so SAXO_* secrets can live there.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SAXO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if id := os.Getenv("SAXO_CLIENT_ID"); id != "" {
		cfg.OAuth.ClientID = id
	}
	if secret := os.Getenv("SAXO_CLIENT_SECRET"); secret != "" {
		cfg.OAuth.ClientSecret = secret
	}
	if hook := os.Getenv("SAXO_DISCORD_WEBHOOK_URL"); hook != "" {
		cfg.Notify.DiscordWebhookURL = hook
	}
	if live := os.Getenv("SAXO_USE_LIVE"); live == "true" || live == "1" {
		cfg.UseLive = true
	}

	cfg.applyEnvironmentDefaults()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_live", false)
	v.SetDefault("timezone", "Asia/Tokyo")
	v.SetDefault("plan_path", "trades.csv")
	v.SetDefault("state_path", "trade_status.json")

	v.SetDefault("oauth.callback_timeout", 5*time.Minute)
	v.SetDefault("oauth.token_refresh_interval", 18*time.Minute)
	v.SetDefault("oauth.streaming_authorize_enabled", true)
	v.SetDefault("oauth.streaming_authorize_path", "/streamingws/authorize")

	v.SetDefault("orders.stop_loss_pips", 1.0)
	v.SetDefault("orders.take_profit_pips", 4000.0)
	v.SetDefault("orders.spread_pips_limit", 3.5)
	v.SetDefault("orders.entry_retry_count", 0)
	v.SetDefault("orders.exit_retry_count", 3)
	v.SetDefault("orders.random_delay_sec", 3)
	v.SetDefault("orders.fill_timeout", 180*time.Second)

	v.SetDefault("stream.ping_timeout", 5*time.Second)
	v.SetDefault("stream.close_timeout", 5*time.Second)
	v.SetDefault("stream.stale_after", 45*time.Second)
	v.SetDefault("stream.monitor_interval", 10*time.Second)
	v.SetDefault("stream.notify_thresholds", []int{10, 60, 180})
	v.SetDefault("stream.reconnect_max_delay", 30*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvironmentDefaults fills endpoint URLs for the selected environment
// when the config file leaves them empty.
func (c *Config) applyEnvironmentDefaults() {
	if c.UseLive {
		fillIfEmpty(&c.OAuth.AuthEndpoint, "https://live.logonvalidation.net/authorize")
		fillIfEmpty(&c.OAuth.TokenEndpoint, "https://live.logonvalidation.net/token")
		fillIfEmpty(&c.API.BaseURL, "https://gateway.saxobank.com/openapi")
		fillIfEmpty(&c.API.StreamingWSBase, "wss://live-streaming.saxobank.com/oapi/streaming/ws")
		fillIfEmpty(&c.OAuth.RedirectURI, "http://localhost:2983/saxo_live")
	} else {
		fillIfEmpty(&c.OAuth.AuthEndpoint, "https://sim.logonvalidation.net/authorize")
		fillIfEmpty(&c.OAuth.TokenEndpoint, "https://sim.logonvalidation.net/token")
		fillIfEmpty(&c.API.BaseURL, "https://gateway.saxobank.com/sim/openapi")
		fillIfEmpty(&c.API.StreamingWSBase, "wss://sim-streaming.saxobank.com/sim/oapi/streaming/ws")
		fillIfEmpty(&c.OAuth.RedirectURI, "http://localhost:8083/saxo_sim")
	}
}

func fillIfEmpty(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

// Validate checks required fields and guards against a LIVE/SIM mix-up:
// a live run must not point at sim-looking endpoints and vice versa.
func (c *Config) Validate() error {
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required (set SAXO_CLIENT_ID)")
	}
	if c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth.client_secret is required (set SAXO_CLIENT_SECRET)")
	}
	if c.PlanPath == "" {
		return fmt.Errorf("plan_path is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}

	for label, url := range map[string]string{
		"api.base_url":          c.API.BaseURL,
		"api.streaming_ws_base": c.API.StreamingWSBase,
		"oauth.auth_endpoint":   c.OAuth.AuthEndpoint,
		"oauth.token_endpoint":  c.OAuth.TokenEndpoint,
	} {
		lower := strings.ToLower(url)
		if c.UseLive && strings.Contains(lower, "sim") {
			return fmt.Errorf("use_live=true but %s looks like SIM: %s", label, url)
		}
		if !c.UseLive && strings.Contains(lower, "live") {
			return fmt.Errorf("use_live=false but %s looks like LIVE: %s", label, url)
		}
	}

	if len(c.Stream.NotifyThresholds) == 0 {
		c.Stream.NotifyThresholds = []int{10, 60, 180}
	}
	return nil
}

// Location resolves the configured timezone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
