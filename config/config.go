package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Auth     AuthConfig
	Telegram TelegramConfig
}

type ServerConfig struct {
	Address       string
	HTTPPort      string `mapstructure:"http_port"`
	SecureCookies bool   `mapstructure:"secure_cookies"`
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

type AuthConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type TelegramConfig struct {
	Token           string
	Mode            string        // poll | webhook
	WebhookURL      string        `mapstructure:"webhook_url"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	PortalURL       string        `mapstructure:"portal_url"`
	ConversationTTL time.Duration `mapstructure:"conversation_ttl"`
}

// Load читает config.yaml (если есть) и окружение FLEETGATE_*.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetgate")

	v.SetEnvPrefix("FLEETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.secure_cookies", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "devices.db?_busy_timeout=5000")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("auth.session_ttl", time.Hour)
	v.SetDefault("telegram.mode", "poll")
	v.SetDefault("telegram.conversation_ttl", 30*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Driver == "" || c.Database.DSN == "" {
		return fmt.Errorf("database.driver and database.dsn are required")
	}
	switch c.Telegram.Mode {
	case "poll", "webhook":
	default:
		return fmt.Errorf("telegram.mode must be poll or webhook, got %q", c.Telegram.Mode)
	}
	// бот опционален: без токена поднимается только веб-канал
	if c.Telegram.Token != "" && c.Telegram.Mode == "webhook" {
		if c.Telegram.WebhookURL == "" {
			return fmt.Errorf("telegram.webhook_url is required in webhook mode")
		}
		if c.Telegram.WebhookSecret == "" {
			return fmt.Errorf("telegram.webhook_secret is required in webhook mode")
		}
	}
	return nil
}
