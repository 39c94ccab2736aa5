package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateMarket()...)
	errors = append(errors, c.validateProviders()...)
	errors = append(errors, c.validateInfra()...)
	errors = append(errors, c.validateSessions()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment != "" {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateServer() ValidationErrors {
	var errors ValidationErrors

	if c.Server.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: "Server port is required",
		})
	} else if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Server.Port),
		})
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   "metrics.port",
				Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Metrics.Port),
			})
		}
		if c.Metrics.Port == c.Server.Port {
			errors = append(errors, ValidationError{
				Field:   "metrics.port",
				Message: "Metrics port must differ from the server port",
			})
		}
	}

	return errors
}

func (c *Config) validateLLM() ValidationErrors {
	var errors ValidationErrors

	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "LLM base URL is required",
		})
	} else if !strings.HasPrefix(c.LLM.BaseURL, "http://") && !strings.HasPrefix(c.LLM.BaseURL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "LLM base URL must start with 'http://' or 'https://'",
		})
	}

	if c.LLM.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.model",
			Message: "LLM model is required",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: fmt.Sprintf("Invalid temperature %.2f. Must be between 0-2", c.LLM.Temperature),
		})
	}

	if c.LLM.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "LLM max_tokens must be at least 1",
		})
	}

	if c.LLM.Timeout < 1000 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "LLM timeout must be at least 1000ms",
		})
	}

	return errors
}

func (c *Config) validateAgent() ValidationErrors {
	var errors ValidationErrors

	if c.Agent.MaxIterations < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.max_iterations",
			Message: "Agent max_iterations must be at least 1",
		})
	}

	if c.Agent.ToolTimeout < 100 {
		errors = append(errors, ValidationError{
			Field:   "agent.tool_timeout",
			Message: "Agent tool_timeout must be at least 100ms",
		})
	}

	if c.Agent.MaxHistory < 2 {
		errors = append(errors, ValidationError{
			Field:   "agent.max_history",
			Message: "Agent max_history must be at least 2",
		})
	}

	return errors
}

func (c *Config) validateMarket() ValidationErrors {
	var errors ValidationErrors

	if c.Market.FirstTickTimeout < 1 {
		errors = append(errors, ValidationError{
			Field:   "market.first_tick_timeout",
			Message: "First tick timeout must be positive",
		})
	}

	if c.Market.EventBuffer < 1 {
		errors = append(errors, ValidationError{
			Field:   "market.event_buffer",
			Message: "Event buffer must be at least 1",
		})
	}

	if c.Market.Backoff.Base < 1 {
		errors = append(errors, ValidationError{
			Field:   "market.backoff.base",
			Message: "Backoff base must be positive",
		})
	}

	if c.Market.Backoff.Max < c.Market.Backoff.Base {
		errors = append(errors, ValidationError{
			Field:   "market.backoff.max",
			Message: "Backoff max must be greater than or equal to backoff base",
		})
	}

	return errors
}

func (c *Config) validateProviders() ValidationErrors {
	var errors ValidationErrors

	if !c.Providers.Binance.Enabled && !c.Providers.Alpaca.Enabled {
		errors = append(errors, ValidationError{
			Field:   "providers",
			Message: "At least one market data provider must be enabled",
		})
	}

	if c.Providers.Alpaca.Enabled {
		if c.Providers.Alpaca.APIKey == "" && !c.Vault.Enabled {
			errors = append(errors, ValidationError{
				Field:   "providers.alpaca.api_key",
				Message: "Alpaca API key is required when the provider is enabled",
			})
		}
		if c.Providers.Alpaca.StreamURL == "" {
			errors = append(errors, ValidationError{
				Field:   "providers.alpaca.stream_url",
				Message: "Alpaca stream URL is required when the provider is enabled",
			})
		}
	}

	return errors
}

func (c *Config) validateInfra() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "redis.host",
				Message: "Redis host is required when Redis is enabled",
			})
		}
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   "redis.port",
				Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
			})
		}
	}

	if c.Database.Enabled && c.Database.URL == "" && !c.Vault.Enabled {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "Database URL is required when the database is enabled",
		})
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "nats.url",
				Message: "NATS URL is required when NATS is enabled",
			})
		} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
			errors = append(errors, ValidationError{
				Field:   "nats.url",
				Message: "NATS URL must start with 'nats://'",
			})
		}
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" && !c.Vault.Enabled {
		errors = append(errors, ValidationError{
			Field:   "telegram.bot_token",
			Message: "Telegram bot token is required when Telegram is enabled",
		})
	}

	return errors
}

func (c *Config) validateSessions() ValidationErrors {
	var errors ValidationErrors

	if c.Sessions.IdleTimeout < 1 {
		errors = append(errors, ValidationError{
			Field:   "sessions.idle_timeout",
			Message: "Session idle timeout must be positive",
		})
	}

	if c.Sessions.SweepInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "sessions.sweep_interval",
			Message: "Session sweep interval must be positive",
		})
	}

	return errors
}
