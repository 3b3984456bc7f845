package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	OwnerID int64  `yaml:"owner_id" envconfig:"OWNER_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
	// RateLimitIntervalMS enforces a minimum gap between messages from one user; 0 disables.
	RateLimitIntervalMS int `yaml:"rate_limit_interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// ProviderConfig describes the external paid IMEI lookup API.
type ProviderConfig struct {
	URL            string `yaml:"url" envconfig:"IMEI_API_URL"`
	APIKey         string `yaml:"api_key" envconfig:"IMEI_API_KEY"`
	TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"IMEI_API_TIMEOUT_SECONDS"`
	MaxRetries     int    `yaml:"max_retries" envconfig:"IMEI_API_MAX_RETRIES"`
}

// Timeout returns the per-request provider deadline.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AutopingerConfig controls the keep-alive self-ping loop.
type AutopingerConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"AUTOPINGER_ENABLED"`
	URL             string `yaml:"url" envconfig:"AUTOPINGER_URL"`
	IntervalSeconds int    `yaml:"interval_seconds" envconfig:"AUTOPINGER_INTERVAL"`
}

// Interval returns the tick period, defaulting to five minutes.
func (a AutopingerConfig) Interval() time.Duration {
	if a.IntervalSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(a.IntervalSeconds) * time.Second
}

// AdminConfig configures the privileged HTTP surface.
type AdminConfig struct {
	Listen string `yaml:"listen" envconfig:"ADMIN_LISTEN"`
	Key    string `yaml:"key" envconfig:"ADMIN_KEY"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

// Config aggregates the application configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Provider   ProviderConfig   `yaml:"provider"`
	Autopinger AutopingerConfig `yaml:"autopinger"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if cfg.Telegram.OwnerID == 0 {
		return fmt.Errorf("telegram.owner_id is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if strings.TrimSpace(cfg.Provider.URL) == "" {
		return fmt.Errorf("provider.url is required")
	}
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if cfg.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("provider.timeout_seconds must be >= 0")
	}
	if cfg.Provider.MaxRetries < 0 {
		return fmt.Errorf("provider.max_retries must be >= 0")
	}

	if cfg.Autopinger.Enabled && strings.TrimSpace(cfg.Autopinger.URL) == "" {
		return fmt.Errorf("autopinger.url is required when autopinger is enabled")
	}
	if cfg.Autopinger.IntervalSeconds < 0 {
		return fmt.Errorf("autopinger.interval_seconds must be >= 0")
	}

	if cfg.Admin.Listen != "" && strings.TrimSpace(cfg.Admin.Key) == "" {
		return fmt.Errorf("admin.key is required when admin.listen is set")
	}

	return nil
}
