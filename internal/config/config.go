// Package config provides application configuration with multi-source
// priority: environment variables (prefix BRANCHD_) override the config
// file (~/.branchd/config.yaml), which overrides defaults.
//
// Sensitive fields (database password, auth secret, provider API key)
// are masked in MarshalJSON so a dumped config never leaks credentials.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration problems. Check with errors.Is().
var (
	ErrConfigNil             = errors.New("configuration is nil")
	ErrInvalidStorage        = errors.New("invalid storage backend")
	ErrInvalidProvider       = errors.New("invalid generation provider")
	ErrMissingProviderAPIKey = errors.New("missing provider API key")
	ErrMissingAuthSecret     = errors.New("missing auth secret")
	ErrInvalidAuthSecret     = errors.New("auth secret too short")
	ErrInvalidPostgresHost   = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort   = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")
)

// Storage backend identifiers for Config.Storage.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Generation provider identifiers for Config.Provider.
const (
	ProviderOpenAI   = "openai"
	ProviderSimulate = "simulate"
)

// minAuthSecretBytes is the floor for the HS256 signing secret.
const minAuthSecretBytes = 32

// Config stores application configuration.
type Config struct {
	// Server
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Storage: "postgres" or "memory" (dev only, not durable)
	Storage          string `mapstructure:"storage" json:"storage"`
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Authentication: shared secret and optional expected issuer of the
	// identity provider's HS256 tokens
	AuthSecret string `mapstructure:"auth_secret" json:"auth_secret"` // SENSITIVE: masked in MarshalJSON
	AuthIssuer string `mapstructure:"auth_issuer" json:"auth_issuer"`

	// Response generation
	Provider      string        `mapstructure:"provider" json:"provider"`
	ModelName     string        `mapstructure:"model_name" json:"model_name"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE: masked in MarshalJSON
	SimulateDelay time.Duration `mapstructure:"simulate_delay" json:"simulate_delay"`
}

// Load reads configuration from defaults, config file, and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("addr", "127.0.0.1:8000")
	v.SetDefault("storage", StoragePostgres)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "branchd")
	v.SetDefault("postgres_db_name", "branchd")
	v.SetDefault("postgres_ssl_mode", "disable")
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("rate_burst", 60)

	v.SetEnvPrefix("BRANCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".branchd"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ConnString builds the PostgreSQL connection URL.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// MarshalJSON masks sensitive fields.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(*c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	if masked.AuthSecret != "" {
		masked.AuthSecret = "***"
	}
	if masked.OpenAIAPIKey != "" {
		masked.OpenAIAPIKey = "***"
	}
	return json.Marshal(masked)
}
