// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/offgrid/internal/domain"
)

// EnvPrefix prefixes every environment variable, e.g. OFFGRID_SERVER_PORT.
const EnvPrefix = "OFFGRID"

// Backend types.
const (
	BackendDirections = "directions"
	BackendMirror     = "mirror"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Storage StorageConfig `mapstructure:"storage"`
	Tiles   TilesConfig   `mapstructure:"tiles"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	CORS            CORSConfig      `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"` // requests per second
	Burst   int     `mapstructure:"burst"`
}

// BackendConfig selects where versions and tile packs come from.
type BackendConfig struct {
	Type       string           `mapstructure:"type"` // directions, mirror
	Directions DirectionsConfig `mapstructure:"directions"`
}

// DirectionsConfig holds routing-tiles API settings.
type DirectionsConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	AccessToken     string        `mapstructure:"access_token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
}

// StorageConfig holds object storage configuration for the mirror backend.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// TilesConfig holds the local tile directory layout.
type TilesConfig struct {
	RootPath  string `mapstructure:"root_path"`  // tiles are unpacked to <root>/tiles/<version>
	InboxPath string `mapstructure:"inbox_path"` // sideload inbox, empty disables the watcher
	TempDir   string `mapstructure:"temp_dir"`   // downloaded packs, empty for the OS default
}

// CatalogConfig holds the region catalog settings.
type CatalogConfig struct {
	DBPath          string        `mapstructure:"db_path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // 0 disables periodic refresh
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Domains  []string     `mapstructure:"domains"`
	Email    string       `mapstructure:"email"`
	CacheDir string       `mapstructure:"cache_dir"`
	Staging  bool         `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      TLSDNSConfig `mapstructure:"dns"`
}

// TLSDNSConfig holds Azure DNS settings for DNS-01 challenges.
type TLSDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"` // 0 serves metrics on the API server
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.rate_limit.enabled", false)
	viper.SetDefault("server.rate_limit.rate", 10.0)
	viper.SetDefault("server.rate_limit.burst", 20)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Backend defaults
	viper.SetDefault("backend.type", BackendMirror)
	viper.SetDefault("backend.directions.base_url", "")
	viper.SetDefault("backend.directions.access_token", "")
	viper.SetDefault("backend.directions.timeout", 30*time.Second)
	viper.SetDefault("backend.directions.download_timeout", 0)
	viper.SetDefault("backend.directions.max_retries", 3)

	// Storage defaults
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local_path", "./mirror")
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 5*time.Minute)

	// Tiles defaults
	viper.SetDefault("tiles.root_path", "./data")
	viper.SetDefault("tiles.inbox_path", "")
	viper.SetDefault("tiles.temp_dir", "")

	// Catalog defaults
	viper.SetDefault("catalog.db_path", "./data/catalog.db")
	viper.SetDefault("catalog.refresh_interval", 6*time.Hour)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 0)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/offgrid")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Rate <= 0 || c.Server.RateLimit.Burst < 1) {
		return errors.New("rate limit needs a positive rate and burst")
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return errors.New("TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return errors.New("TLS enabled but no email specified")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Port != 0 {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return errors.New("metrics port must differ from server port")
		}
	}

	if c.Tiles.RootPath == "" {
		return errors.New("tiles root path is required")
	}
	if c.Catalog.DBPath == "" {
		return errors.New("catalog database path is required")
	}
	if c.Catalog.RefreshInterval < 0 {
		return fmt.Errorf("invalid catalog refresh interval: %s", c.Catalog.RefreshInterval)
	}

	switch c.Backend.Type {
	case BackendDirections:
		if c.Backend.Directions.BaseURL == "" {
			return &domain.ConfigError{Field: "backend.directions.base_url", Message: "directions base URL is required"}
		}
		if c.Backend.Directions.AccessToken == "" {
			return &domain.ConfigError{Field: "backend.directions.access_token", Message: "directions access token is required"}
		}
		return nil
	case BackendMirror:
		return c.Storage.Validate()
	default:
		return &domain.ConfigError{Field: "backend.type", Message: fmt.Sprintf("unknown backend type: %q", c.Backend.Type)}
	}
}

// Validate checks the settings of the selected storage type.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "local":
		if c.LocalPath == "" {
			return errors.New("local storage path is required")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("S3 bucket is required")
		}
		if c.S3.Region == "" {
			return errors.New("S3 region is required")
		}
	case "azure":
		if c.Azure.Container == "" {
			return errors.New("azure container is required")
		}
		if c.Azure.AccountName == "" && c.Azure.ConnectionString == "" {
			return errors.New("azure account name or connection string is required")
		}
	case "http":
		if c.HTTP.BaseURL == "" {
			return errors.New("HTTP base URL is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Type)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddress returns the address of the dedicated metrics server.
func (c *Config) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Metrics.Port)
}
