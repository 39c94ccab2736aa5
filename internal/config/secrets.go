package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds Vault connection configuration
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`       // falls back to VAULT_TOKEN
	MountPath  string `mapstructure:"mount_path"`  // secrets mount path (default: "secret")
	SecretPath string `mapstructure:"secret_path"` // base path, e.g. "quantdesk/production"
}

// VaultClient wraps a HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(token)

	log.Info().
		Str("address", cfg.Address).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{
		client: client,
		config: cfg,
	}, nil
}

// GetSecret retrieves a secret from Vault.
// path is relative to the configured SecretPath.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	log.Debug().Str("path", fullPath).Msg("Reading secret from Vault")

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}

	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests payloads under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}

	// KV v1 returns data directly
	return secret.Data, nil
}

// GetSecretString retrieves a single string value from Vault
func (vc *VaultClient) GetSecretString(ctx context.Context, path string, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}

	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key '%s' not found or not a string at path: %s", key, path)
	}

	return value, nil
}

// LoadSecretsFromVault loads API credentials from Vault into the configuration.
// Missing paths are logged and skipped so deployments can mix Vault with
// environment variables.
func LoadSecretsFromVault(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
		return nil
	}

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	if err := loadProviderSecrets(ctx, vc, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load provider secrets from Vault")
	}

	if err := loadLLMSecrets(ctx, vc, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load LLM secrets from Vault")
	}

	if err := loadNewsSecrets(ctx, vc, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load news secrets from Vault")
	}

	if err := loadInfraSecrets(ctx, vc, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load infrastructure secrets from Vault")
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}

// loadProviderSecrets loads market data provider API keys from Vault
func loadProviderSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	if cfg.Providers.Binance.Enabled {
		secrets, err := vc.GetSecret(ctx, "providers/binance")
		if err != nil {
			log.Warn().Str("provider", "binance").Err(err).Msg("Failed to load provider secrets")
		} else {
			if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
				cfg.Providers.Binance.APIKey = apiKey
			}
			if secretKey, ok := secrets["secret_key"].(string); ok && secretKey != "" {
				cfg.Providers.Binance.SecretKey = secretKey
			}
			log.Info().Str("provider", "binance").Msg("Loaded provider credentials from Vault")
		}
	}

	if cfg.Providers.Alpaca.Enabled {
		secrets, err := vc.GetSecret(ctx, "providers/alpaca")
		if err != nil {
			log.Warn().Str("provider", "alpaca").Err(err).Msg("Failed to load provider secrets")
		} else {
			if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
				cfg.Providers.Alpaca.APIKey = apiKey
			}
			if secretKey, ok := secrets["secret_key"].(string); ok && secretKey != "" {
				cfg.Providers.Alpaca.SecretKey = secretKey
			}
			log.Info().Str("provider", "alpaca").Msg("Loaded provider credentials from Vault")
		}
	}

	return nil
}

// loadLLMSecrets loads the model endpoint API key from Vault
func loadLLMSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	apiKey, err := vc.GetSecretString(ctx, "llm", "api_key")
	if err != nil {
		return err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
		log.Info().Msg("Loaded LLM API key from Vault")
	}
	return nil
}

// loadNewsSecrets loads the news API key from Vault
func loadNewsSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	apiKey, err := vc.GetSecretString(ctx, "news", "api_key")
	if err != nil {
		return err
	}
	if apiKey != "" {
		cfg.News.APIKey = apiKey
		log.Info().Msg("Loaded news API key from Vault")
	}
	return nil
}

// loadInfraSecrets loads Redis and database credentials from Vault
func loadInfraSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	if cfg.Redis.Enabled {
		if password, err := vc.GetSecretString(ctx, "redis", "password"); err == nil && password != "" {
			cfg.Redis.Password = password
			log.Info().Msg("Loaded Redis password from Vault")
		}
	}

	if cfg.Database.Enabled {
		if url, err := vc.GetSecretString(ctx, "database", "url"); err == nil && url != "" {
			cfg.Database.URL = url
			log.Info().Msg("Loaded database URL from Vault")
		}
	}

	return nil
}
