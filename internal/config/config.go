// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/tgrelay/internal/quota"
)

// Config holds all application configuration.
type Config struct {
	TelegramToken string
	Port          string
	Version       string

	Store StoreConfig
	Bot   BotConfig
	LLM   LLMConfig
	Rate  RateConfig

	HealthCheckTimeout time.Duration
	SweepInterval      time.Duration
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	Driver      string // "sqlite", "postgres" or "memory"
	DBPath      string
	DatabaseURL string
}

// DSN returns the connection string for the configured driver.
func (s StoreConfig) DSN() string {
	if s.Driver == "postgres" {
		return s.DatabaseURL
	}
	return s.DBPath
}

// BotConfig controls conversation behaviour.
type BotConfig struct {
	SystemPrompt          string
	BotName               string
	SpeechOnly            bool
	DailyLimit            int // quota.Unlimited when DAILY_LIMIT is unset
	PremiumPrice          int
	MaxHistory            int
	MaxMediaMB            int
	GenerationConcurrency int
}

// Quota returns the usage gate settings.
func (b BotConfig) Quota() quota.Config {
	return quota.Config{DailyLimit: b.DailyLimit, PremiumPrice: b.PremiumPrice}
}

// MaxMediaBytes returns the media download limit in bytes.
func (b BotConfig) MaxMediaBytes() int64 {
	return int64(b.MaxMediaMB) * 1024 * 1024
}

// LLMConfig selects the response generator.
type LLMConfig struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Vision    bool
	Timeout   time.Duration
}

// RateConfig bounds webhook ingress per client IP.
type RateConfig struct {
	PerSecond float64
	Burst     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: strings.TrimSpace(getEnv("TELEGRAM_TOKEN", "")),
		Port:          getEnv("PORT", "8080"),
		Version:       getEnv("APP_VERSION", "dev"),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			DBPath:      getEnv("DB_PATH", "./data/bot.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Bot: BotConfig{
			SystemPrompt:          getEnv("SYSTEM_PROMPT", ""),
			BotName:               getEnv("BOT_NAME", "Assistant"),
			SpeechOnly:            getEnvBool("SPEECH_ONLY", false),
			DailyLimit:            getEnvInt("DAILY_LIMIT", quota.Unlimited),
			PremiumPrice:          getEnvInt("PREMIUM_PRICE", quota.DefaultPremiumPrice),
			MaxHistory:            getEnvInt("MAX_HISTORY", 11),
			MaxMediaMB:            getEnvInt("MAX_AUDIO_SIZE_MB", 20),
			GenerationConcurrency: getEnvInt("GENERATION_CONCURRENCY", 0),
		},
		LLM: LLMConfig{
			Provider:  strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			APIKey:    getEnv("LLM_API_KEY", ""),
			Model:     getEnv("LLM_MODEL", ""),
			BaseURL:   getEnv("LLM_BASE_URL", ""),
			MaxTokens: getEnvInt("LLM_MAX_TOKENS", 0),
			Vision:    getEnvBool("LLM_VISION", false),
			Timeout:   getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Rate: RateConfig{
			PerSecond: getEnvFloat("WEBHOOK_RATE_LIMIT", 20),
			Burst:     getEnvInt("WEBHOOK_RATE_BURST", 40),
		},
		HealthCheckTimeout: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
	}

	// Any negative limit means unbounded.
	if cfg.Bot.DailyLimit < 0 {
		cfg.Bot.DailyLimit = quota.Unlimited
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Bot.PremiumPrice <= 0 {
		return fmt.Errorf("PREMIUM_PRICE must be > 0")
	}
	if c.Bot.MaxHistory < 2 {
		return fmt.Errorf("MAX_HISTORY must be >= 2")
	}
	if c.Bot.MaxMediaMB <= 0 {
		return fmt.Errorf("MAX_AUDIO_SIZE_MB must be > 0")
	}
	if c.Bot.GenerationConcurrency < 0 {
		return fmt.Errorf("GENERATION_CONCURRENCY cannot be negative")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.Rate.PerSecond <= 0 || c.Rate.Burst <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT and WEBHOOK_RATE_BURST must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
