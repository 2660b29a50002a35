package config

import (
	"testing"
	"time"

	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "dev", cfg.Version)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./data/bot.db", cfg.Store.DSN())
	assert.Equal(t, "Assistant", cfg.Bot.BotName)
	assert.Equal(t, quota.Unlimited, cfg.Bot.DailyLimit)
	assert.False(t, cfg.Bot.Quota().Enabled())
	assert.Equal(t, 100, cfg.Bot.PremiumPrice)
	assert.Equal(t, 11, cfg.Bot.MaxHistory)
	assert.Equal(t, int64(20*1024*1024), cfg.Bot.MaxMediaBytes())
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 20.0, cfg.Rate.PerSecond)
	assert.Equal(t, 40, cfg.Rate.Burst)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "  ")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_TOKEN")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://bot@localhost/bot")
	t.Setenv("DAILY_LIMIT", "0")
	t.Setenv("SPEECH_ONLY", "yes")
	t.Setenv("LLM_TIMEOUT", "90")
	t.Setenv("LLM_VISION", "true")
	t.Setenv("GENERATION_CONCURRENCY", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://bot@localhost/bot", cfg.Store.DSN())
	assert.Equal(t, 0, cfg.Bot.DailyLimit)
	assert.True(t, cfg.Bot.Quota().Enabled())
	assert.True(t, cfg.Bot.SpeechOnly)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.True(t, cfg.LLM.Vision)
	assert.Equal(t, 4, cfg.Bot.GenerationConcurrency)
}

func TestLoadNegativeLimitIsUnlimited(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("DAILY_LIMIT", "-5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, quota.Unlimited, cfg.Bot.DailyLimit)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TelegramToken: "t",
			Port:          "8080",
			Store:         StoreConfig{Driver: "memory"},
			Bot:           BotConfig{PremiumPrice: 100, MaxHistory: 11, MaxMediaMB: 20},
			LLM:           LLMConfig{Timeout: time.Second},
			Rate:          RateConfig{PerSecond: 1, Burst: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"tiny history", func(c *Config) { c.Bot.MaxHistory = 1 }},
		{"zero price", func(c *Config) { c.Bot.PremiumPrice = 0 }},
		{"zero media", func(c *Config) { c.Bot.MaxMediaMB = 0 }},
		{"negative concurrency", func(c *Config) { c.Bot.GenerationConcurrency = -1 }},
		{"zero rate", func(c *Config) { c.Rate.Burst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
