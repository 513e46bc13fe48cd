package tokenmeter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the chat service and the
// webhook listener.
type Config struct {
	Quota     QuotaConfig      `yaml:"quota"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Stripe    StripeConfig     `yaml:"stripe"`
	Chat      ChatConfig       `yaml:"chat"`
	Providers []ProviderConfig `yaml:"providers"`
	Scripture ScriptureConfig  `yaml:"scripture"`
	Log       LogConfig        `yaml:"log"`
}

// QuotaConfig holds the metering policy.
type QuotaConfig struct {
	DailyAllotment  int64         `yaml:"daily_allotment"`
	CostPerQuestion int64         `yaml:"cost_per_question"`
	Tiers           TierTable     `yaml:"tiers"`
	Timezone        string        `yaml:"timezone"`
	Retention       time.Duration `yaml:"retention"`
}

// StoreConfig selects the token store backend.
type StoreConfig struct {
	Driver    string `yaml:"driver"` // sqlite, postgres, redis or memory
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
}

// ServerConfig configures the chat HTTP API.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	FrontendURL    string   `yaml:"frontend_url"`
	SessionSecret  string   `yaml:"session_secret"`
	CookieSecure   bool     `yaml:"cookie_secure"`
	Debug          bool     `yaml:"debug"`
}

// WebhookConfig configures the payment webhook listener.
type WebhookConfig struct {
	Listen        string        `yaml:"listen"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// StripeConfig holds payment provider credentials.
type StripeConfig struct {
	SecretKey     string            `yaml:"secret_key"`
	WebhookSecret string            `yaml:"webhook_secret"`
	Prices        map[string]string `yaml:"prices"` // tier -> Stripe price id
}

// ChatConfig tunes the completion calls.
type ChatConfig struct {
	SystemPrompt    string  `yaml:"system_prompt"`
	Temperature     float64 `yaml:"temperature"`
	MaxPromptTokens int64   `yaml:"max_prompt_tokens"`
}

// ProviderConfig configures one completion upstream. Providers are tried in order.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // openai (any OpenAI-compatible API) or gemini
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ScriptureConfig configures the verse lookup API.
type ScriptureConfig struct {
	BaseURL        string `yaml:"base_url"`
	DefaultVersion string `yaml:"default_version"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the defaults, with credentials taken from the environment.
func DefaultConfig() Config {
	cfg := Config{
		Quota: QuotaConfig{
			DailyAllotment:  DefaultDailyAllotment,
			CostPerQuestion: DefaultCostPerQuestion,
			Tiers:           DefaultTiers(),
			Timezone:        "UTC",
			Retention:       DefaultRetention,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "tokens.db",
		},
		Server: ServerConfig{
			Listen:        ":8080",
			SessionSecret: os.Getenv("SESSION_SECRET"),
		},
		Webhook: WebhookConfig{
			Listen:        ":4242",
			PruneInterval: time.Hour,
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Chat: ChatConfig{
			SystemPrompt:    "You're a knowledgeable AI Bible assistant.",
			Temperature:     0.7,
			MaxPromptTokens: 3000,
		},
		Scripture: ScriptureConfig{
			BaseURL:        "https://bible-api.com",
			DefaultVersion: "kjv",
		},
		Log: LogConfig{Level: "info"},
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:    "openai",
			Kind:    "openai",
			BaseURL: "https://api.openai.com/v1",
			APIKey:  key,
			Model:   "gpt-3.5-turbo",
		})
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:   "gemini",
			Kind:   "gemini",
			APIKey: key,
			Model:  "gemini-2.0-flash",
		})
	}
	return cfg
}

// LoadConfig reads a YAML config file over DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
// An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokenmeter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	// A configured tier table replaces the defaults instead of merging into them.
	cfg.Quota.Tiers = nil
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokenmeter: parse config: %w", err)
	}
	if cfg.Quota.Tiers == nil {
		cfg.Quota.Tiers = DefaultTiers()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every process needs.
func (c Config) Validate() error {
	if c.Quota.CostPerQuestion <= 0 {
		return fmt.Errorf("tokenmeter: config: quota.cost_per_question must be positive")
	}
	if c.Quota.DailyAllotment < 0 {
		return fmt.Errorf("tokenmeter: config: quota.daily_allotment must not be negative")
	}
	if len(c.Quota.Tiers) == 0 {
		return fmt.Errorf("tokenmeter: config: at least one tier is required")
	}
	for name, amount := range c.Quota.Tiers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("tokenmeter: config: tier name is required")
		}
		if amount <= 0 {
			return fmt.Errorf("tokenmeter: config: tier %q: credits must be positive", name)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("tokenmeter: config: store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("tokenmeter: config: store.dsn is required for postgres")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("tokenmeter: config: store.redis_addr is required for redis")
		}
	case "memory":
	default:
		return fmt.Errorf("tokenmeter: config: invalid store.driver %q", c.Store.Driver)
	}
	return nil
}

// ValidateServe checks the settings the chat service cannot start without.
func (c Config) ValidateServe() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("tokenmeter: config: at least one provider is required (set OPENAI_API_KEY)")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("tokenmeter: config: providers[%d]: name is required", i)
		}
		if p.Kind != "openai" && p.Kind != "gemini" {
			return fmt.Errorf("tokenmeter: config: providers[%d] (%s): invalid kind %q", i, p.Name, p.Kind)
		}
		if p.APIKey == "" {
			return fmt.Errorf("tokenmeter: config: providers[%d] (%s): api_key is required", i, p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("tokenmeter: config: providers[%d] (%s): model is required", i, p.Name)
		}
	}
	if c.Stripe.SecretKey == "" {
		return fmt.Errorf("tokenmeter: config: stripe.secret_key is required (set STRIPE_SECRET_KEY)")
	}
	if c.Server.SessionSecret == "" {
		return fmt.Errorf("tokenmeter: config: server.session_secret is required (set SESSION_SECRET)")
	}
	for tier := range c.Stripe.Prices {
		if _, ok := c.Quota.Tiers[tier]; !ok {
			return fmt.Errorf("tokenmeter: config: stripe.prices: %q is not a configured tier", tier)
		}
	}
	return nil
}

// ValidateWebhook checks the settings the webhook listener cannot start without.
func (c Config) ValidateWebhook() error {
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("tokenmeter: config: stripe.webhook_secret is required (set STRIPE_WEBHOOK_SECRET)")
	}
	return nil
}

// Location resolves quota.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Quota.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter: config: quota.timezone: %w", err)
	}
	return loc, nil
}

// Policy builds the metering policy from the quota section.
func (c Config) Policy() Policy {
	return Policy{
		DailyAllotment:  c.Quota.DailyAllotment,
		CostPerQuestion: c.Quota.CostPerQuestion,
		Tiers:           c.Quota.Tiers,
	}
}
