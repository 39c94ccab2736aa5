package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Market    MarketConfig    `mapstructure:"market"`
	News      NewsConfig      `mapstructure:"news"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Vault     VaultConfig     `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // console or json
}

// ServerConfig contains REST API server settings
type ServerConfig struct {
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests/sec per client IP
	RateBurst int     `mapstructure:"rate_burst"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LLMConfig contains model endpoint settings (OpenRouter-compatible)
type LLMConfig struct {
	BaseURL     string  `mapstructure:"base_url"` // "https://openrouter.ai/api/v1"
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"` // "anthropic/claude-3.5-sonnet"
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds
	Referer     string  `mapstructure:"referer"` // optional attribution headers
	Title       string  `mapstructure:"title"`
}

// AgentConfig bounds the reasoning loop
type AgentConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
	ToolTimeout   int `mapstructure:"tool_timeout"` // milliseconds, per tool call
	MaxHistory    int `mapstructure:"max_history"`  // retained conversation entries per session
}

// ProvidersConfig contains per-provider credentials and toggles
type ProvidersConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
	Alpaca  AlpacaConfig  `mapstructure:"alpaca"`
}

// BinanceConfig contains the crypto provider settings
type BinanceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`
}

// AlpacaConfig contains the equities provider settings
type AlpacaConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	StreamURL string `mapstructure:"stream_url"`
	RestURL   string `mapstructure:"rest_url"`
}

// MarketConfig contains data manager settings
type MarketConfig struct {
	WatchList        []string      `mapstructure:"watch_list"`
	CatalogPath      string        `mapstructure:"catalog_path"` // symbols.yaml; empty uses the built-in catalog
	FirstTickTimeout int           `mapstructure:"first_tick_timeout"` // milliseconds
	EventBuffer      int           `mapstructure:"event_buffer"`
	MaxCandles       int           `mapstructure:"max_candles"` // per (symbol, timeframe) in memory
	Backoff          BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig controls adapter reconnection delays
type BackoffConfig struct {
	Base       int `mapstructure:"base"`        // milliseconds
	Max        int `mapstructure:"max"`         // milliseconds
	AlertAfter int `mapstructure:"alert_after"` // consecutive failures before an ops alert
}

// NewsConfig contains the news API settings
type NewsConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	CacheTTL int    `mapstructure:"cache_ttl"` // seconds
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig contains the candle store settings
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// NATSConfig contains the market update bus settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig contains the optional chat front end settings
type TelegramConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BotToken       string `mapstructure:"bot_token"`
	PollingTimeout int    `mapstructure:"polling_timeout"` // seconds
	AdminChatID    int64  `mapstructure:"admin_chat_id"`   // receives operational alerts
}

// SessionsConfig controls session lifecycle
type SessionsConfig struct {
	IdleTimeout   int `mapstructure:"idle_timeout"`   // seconds
	SweepInterval int `mapstructure:"sweep_interval"` // seconds
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("QUANTDESK")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "quantdesk")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)

	// LLM defaults
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "anthropic/claude-3.5-sonnet")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 60000)
	v.SetDefault("llm.title", "QuantDesk")

	// Agent defaults
	v.SetDefault("agent.max_iterations", 5)
	v.SetDefault("agent.tool_timeout", 10000)
	v.SetDefault("agent.max_history", 40)

	// Provider defaults
	v.SetDefault("providers.binance.enabled", true)
	v.SetDefault("providers.binance.testnet", false)
	v.SetDefault("providers.alpaca.enabled", false)
	v.SetDefault("providers.alpaca.stream_url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("providers.alpaca.rest_url", "https://data.alpaca.markets")

	// Market defaults
	v.SetDefault("market.watch_list", []string{"AAPL", "MSFT", "BTC-USD", "ETH-USD"})
	v.SetDefault("market.first_tick_timeout", 3000)
	v.SetDefault("market.event_buffer", 1024)
	v.SetDefault("market.max_candles", 1000)
	v.SetDefault("market.backoff.base", 1000)
	v.SetDefault("market.backoff.max", 60000)
	v.SetDefault("market.backoff.alert_after", 5)

	// News defaults
	v.SetDefault("news.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("news.cache_ttl", 300)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Database defaults
	v.SetDefault("database.enabled", false)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.polling_timeout", 30)

	// Session defaults
	v.SetDefault("sessions.idle_timeout", 1800)
	v.SetDefault("sessions.sweep_interval", 60)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "quantdesk/providers")
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the API server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// GetToolTimeout returns the per-tool-call timeout as time.Duration
func (c *AgentConfig) GetToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeout) * time.Millisecond
}

// GetFirstTickTimeout returns the bounded wait for a first tick
func (c *MarketConfig) GetFirstTickTimeout() time.Duration {
	return time.Duration(c.FirstTickTimeout) * time.Millisecond
}

// GetBase returns the backoff base delay
func (c *BackoffConfig) GetBase() time.Duration {
	return time.Duration(c.Base) * time.Millisecond
}

// GetMax returns the backoff delay ceiling
func (c *BackoffConfig) GetMax() time.Duration {
	return time.Duration(c.Max) * time.Millisecond
}

// GetCacheTTL returns the news cache TTL
func (c *NewsConfig) GetCacheTTL() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// GetIdleTimeout returns the session inactivity window
func (c *SessionsConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// GetSweepInterval returns the janitor sweep period
func (c *SessionsConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}
