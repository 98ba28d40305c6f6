package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// Credential vault
	VaultEncryptionKey string `mapstructure:"VAULT_ENCRYPTION_KEY"`
	OAuthStateSecret   string `mapstructure:"OAUTH_STATE_SECRET"`

	// Google Calendar
	GoogleClientID        string        `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string        `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL     string        `mapstructure:"GOOGLE_REDIRECT_URL"`
	GoogleHTTPTimeout     time.Duration `mapstructure:"GOOGLE_HTTP_TIMEOUT"`
	OAuthDefaultReturnURL string        `mapstructure:"OAUTH_DEFAULT_RETURN_URL"`

	// Push notifications
	WebhookBaseURL      string        `mapstructure:"WEBHOOK_BASE_URL"`
	WebhookChannelToken string        `mapstructure:"WEBHOOK_CHANNEL_TOKEN"`
	ChannelTTL          time.Duration `mapstructure:"CHANNEL_TTL"`
	ChannelRenewLead    time.Duration `mapstructure:"CHANNEL_RENEW_LEAD"`

	// Background work
	SyncInterval      time.Duration `mapstructure:"SYNC_INTERVAL"`
	RenewInterval     time.Duration `mapstructure:"RENEW_INTERVAL"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`

	// API auth
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"VAULT_ENCRYPTION_KEY", "OAUTH_STATE_SECRET",
	"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL", "GOOGLE_HTTP_TIMEOUT",
	"OAUTH_DEFAULT_RETURN_URL",
	"WEBHOOK_BASE_URL", "WEBHOOK_CHANNEL_TOKEN", "CHANNEL_TTL", "CHANNEL_RENEW_LEAD",
	"SYNC_INTERVAL", "RENEW_INTERVAL", "WORKER_CONCURRENCY",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("GOOGLE_HTTP_TIMEOUT", "15s")
	v.SetDefault("OAUTH_DEFAULT_RETURN_URL", "/")
	v.SetDefault("CHANNEL_TTL", "168h")
	v.SetDefault("CHANNEL_RENEW_LEAD", "24h")
	v.SetDefault("SYNC_INTERVAL", "15m")
	v.SetDefault("RENEW_INTERVAL", "1h")
	v.SetDefault("WORKER_CONCURRENCY", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); API requests without a bearer token get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// GoogleEnabled reports whether OAuth client settings are present.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// VaultKey decodes VAULT_ENCRYPTION_KEY.
func (c *Config) VaultKey() ([]byte, error) {
	key, err := hex.DecodeString(c.VaultEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("VAULT_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("VAULT_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// WebhookAddress is the public URL Google posts channel notifications to.
func (c *Config) WebhookAddress() string {
	if c.WebhookBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.WebhookBaseURL, "/") + "/webhooks/google/calendar"
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT signing key is mandatory, and the vault key must always decode to 32 bytes
// once calendar integration is configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required when ENV=%q", c.Env)
	}

	if c.GoogleEnabled() {
		if c.GoogleRedirectURL == "" {
			return fmt.Errorf("GOOGLE_REDIRECT_URL is required when GOOGLE_CLIENT_ID is set")
		}
		if c.VaultEncryptionKey == "" {
			return fmt.Errorf("VAULT_ENCRYPTION_KEY is required when GOOGLE_CLIENT_ID is set")
		}
	}
	if c.VaultEncryptionKey != "" {
		if _, err := c.VaultKey(); err != nil {
			return err
		}
	}

	if c.GoogleHTTPTimeout <= 0 {
		return fmt.Errorf("GOOGLE_HTTP_TIMEOUT must be positive")
	}
	if c.ChannelRenewLead >= c.ChannelTTL {
		return fmt.Errorf("CHANNEL_RENEW_LEAD (%s) must be shorter than CHANNEL_TTL (%s)", c.ChannelRenewLead, c.ChannelTTL)
	}

	return nil
}
