//nolint:goconst // Test files use repeated strings for clarity
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "quantdesk",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "console",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
		},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			APIKey:      "test_api_key",
			Model:       "anthropic/claude-3.5-sonnet",
			Temperature: 0.7,
			MaxTokens:   2000,
			Timeout:     60000,
		},
		Agent: AgentConfig{
			MaxIterations: 5,
			ToolTimeout:   10000,
			MaxHistory:    40,
		},
		Providers: ProvidersConfig{
			Binance: BinanceConfig{Enabled: true},
		},
		Market: MarketConfig{
			WatchList:        []string{"AAPL", "BTC-USD"},
			FirstTickTimeout: 3000,
			EventBuffer:      1024,
			MaxCandles:       1000,
			Backoff: BackoffConfig{
				Base:       1000,
				Max:        60000,
				AlertAfter: 5,
			},
		},
		News: NewsConfig{
			BaseURL:  "https://finnhub.io/api/v1",
			CacheTTL: 300,
		},
		Redis: RedisConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
		},
		Sessions: SessionsConfig{
			IdleTimeout:   1800,
			SweepInterval: 60,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	err := cfg.Validate()
	assert.NoError(t, err, "Valid configuration should not produce errors")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name:        "missing app name",
			modify:      func(c *Config) { c.App.Name = "" },
			expectError: "app.name",
		},
		{
			name:        "invalid environment",
			modify:      func(c *Config) { c.App.Environment = "prod" },
			expectError: "app.environment",
		},
		{
			name:        "invalid server port",
			modify:      func(c *Config) { c.Server.Port = 70000 },
			expectError: "server.port",
		},
		{
			name: "metrics port collides with server port",
			modify: func(c *Config) {
				c.Metrics.Port = c.Server.Port
			},
			expectError: "metrics.port",
		},
		{
			name:        "missing llm base url",
			modify:      func(c *Config) { c.LLM.BaseURL = "" },
			expectError: "llm.base_url",
		},
		{
			name:        "llm base url without scheme",
			modify:      func(c *Config) { c.LLM.BaseURL = "openrouter.ai/api/v1" },
			expectError: "llm.base_url",
		},
		{
			name:        "temperature out of range",
			modify:      func(c *Config) { c.LLM.Temperature = 3.5 },
			expectError: "llm.temperature",
		},
		{
			name:        "llm timeout too small",
			modify:      func(c *Config) { c.LLM.Timeout = 100 },
			expectError: "llm.timeout",
		},
		{
			name:        "zero agent iterations",
			modify:      func(c *Config) { c.Agent.MaxIterations = 0 },
			expectError: "agent.max_iterations",
		},
		{
			name:        "tool timeout too small",
			modify:      func(c *Config) { c.Agent.ToolTimeout = 50 },
			expectError: "agent.tool_timeout",
		},
		{
			name: "backoff max below base",
			modify: func(c *Config) {
				c.Market.Backoff.Base = 5000
				c.Market.Backoff.Max = 1000
			},
			expectError: "market.backoff.max",
		},
		{
			name: "no providers enabled",
			modify: func(c *Config) {
				c.Providers.Binance.Enabled = false
				c.Providers.Alpaca.Enabled = false
			},
			expectError: "providers",
		},
		{
			name: "alpaca enabled without key",
			modify: func(c *Config) {
				c.Providers.Alpaca.Enabled = true
				c.Providers.Alpaca.StreamURL = "wss://stream.data.alpaca.markets/v2/iex"
			},
			expectError: "providers.alpaca.api_key",
		},
		{
			name: "redis enabled without host",
			modify: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Host = ""
			},
			expectError: "redis.host",
		},
		{
			name: "nats enabled with bad url",
			modify: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = "tcp://localhost:4222"
			},
			expectError: "nats.url",
		},
		{
			name: "telegram enabled without token",
			modify: func(c *Config) {
				c.Telegram.Enabled = true
				c.Telegram.BotToken = ""
			},
			expectError: "telegram.bot_token",
		},
		{
			name:        "zero session idle timeout",
			modify:      func(c *Config) { c.Sessions.IdleTimeout = 0 },
			expectError: "sessions.idle_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.expectError),
				"expected error to mention %q, got: %s", tt.expectError, err.Error())
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "quantdesk", cfg.App.Name)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.LLM.BaseURL)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.True(t, cfg.Providers.Binance.Enabled)
	assert.False(t, cfg.Providers.Alpaca.Enabled)
	assert.Equal(t, 1000, cfg.Market.Backoff.Base)
	assert.Equal(t, 60000, cfg.Market.Backoff.Max)
	assert.Contains(t, cfg.Market.WatchList, "AAPL")
	assert.Contains(t, cfg.Market.WatchList, "BTC-USD")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
app:
  name: quantdesk-test
  log_level: debug
server:
  port: 9090
llm:
  api_key: file_key
agent:
  max_iterations: 3
market:
  watch_list:
    - TSLA
  backoff:
    base: 500
    max: 30000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "quantdesk-test", cfg.App.Name)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "file_key", cfg.LLM.APIKey)
	assert.Equal(t, 3, cfg.Agent.MaxIterations)
	assert.Equal(t, []string{"TSLA"}, cfg.Market.WatchList)
	assert.Equal(t, 500, cfg.Market.Backoff.Base)

	// Unset keys keep defaults
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", cfg.LLM.Model)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
agent:
  max_iterations: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.max_iterations")
}

func TestDurationHelpers(t *testing.T) {
	cfg := getValidConfig()

	assert.Equal(t, 60*time.Second, cfg.LLM.GetTimeout())
	assert.Equal(t, 10*time.Second, cfg.Agent.GetToolTimeout())
	assert.Equal(t, 3*time.Second, cfg.Market.GetFirstTickTimeout())
	assert.Equal(t, time.Second, cfg.Market.Backoff.GetBase())
	assert.Equal(t, time.Minute, cfg.Market.Backoff.GetMax())
	assert.Equal(t, 5*time.Minute, cfg.News.GetCacheTTL())
	assert.Equal(t, 30*time.Minute, cfg.Sessions.GetIdleTimeout())
	assert.Equal(t, "localhost:6379", cfg.Redis.GetRedisAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetServerAddr())
}
