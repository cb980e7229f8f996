// Package config loads the chat client configuration from an optional YAML
// file, CHAT_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"chat-session/connection"
	"chat-session/enrich"
)

type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Formatter  FormatterConfig  `mapstructure:"formatter"`
	Session    SessionConfig    `mapstructure:"session"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ConnectionConfig struct {
	URL                string `mapstructure:"url"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	RetryDelayMS       int    `mapstructure:"retry_delay_ms"`
	WriteTimeoutMS     int    `mapstructure:"write_timeout_ms"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
}

type EnrichmentConfig struct {
	PlaceholderURL string `mapstructure:"placeholder_url"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Concurrency    int    `mapstructure:"concurrency"`
}

// ResolverConfig selects how record links are built. Mode "template" builds
// them locally from BaseURL, "http" asks Endpoint. A non-empty RedisURL puts
// a cache in front of either.
type ResolverConfig struct {
	Mode            string `mapstructure:"mode"`
	BaseURL         string `mapstructure:"base_url"`
	Endpoint        string `mapstructure:"endpoint"`
	RedisURL        string `mapstructure:"redis_url"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

type FormatterConfig struct {
	SanitizeBackendHTML bool `mapstructure:"sanitize_backend_html"`
}

type SessionConfig struct {
	SaveInstruction string `mapstructure:"save_instruction"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	// ListenAddr serves /health and /metrics. Empty disables the server.
	ListenAddr string `mapstructure:"listen_addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			URL:                "ws://localhost:8080/ws",
			MaxAttempts:        5,
			RetryDelayMS:       3000,
			WriteTimeoutMS:     10000,
			HandshakeTimeoutMS: 10000,
		},
		Enrichment: EnrichmentConfig{
			PlaceholderURL: "#",
			TimeoutMS:      10000,
			Concurrency:    4,
		},
		Resolver: ResolverConfig{
			Mode:            "template",
			BaseURL:         "https://login.salesforce.com",
			CacheTTLSeconds: 3600,
		},
		Formatter: FormatterConfig{SanitizeBackendHTML: true},
		Session:   SessionConfig{SaveInstruction: "Save this email template to Brevo."},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
	}
}

// Load reads path (optional) over the defaults and applies CHAT_* overrides,
// e.g. CHAT_CONNECTION_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	return unmarshal(v), nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("connection.url", d.Connection.URL)
	v.SetDefault("connection.max_attempts", d.Connection.MaxAttempts)
	v.SetDefault("connection.retry_delay_ms", d.Connection.RetryDelayMS)
	v.SetDefault("connection.write_timeout_ms", d.Connection.WriteTimeoutMS)
	v.SetDefault("connection.handshake_timeout_ms", d.Connection.HandshakeTimeoutMS)

	v.SetDefault("enrichment.placeholder_url", d.Enrichment.PlaceholderURL)
	v.SetDefault("enrichment.timeout_ms", d.Enrichment.TimeoutMS)
	v.SetDefault("enrichment.concurrency", d.Enrichment.Concurrency)

	v.SetDefault("resolver.mode", d.Resolver.Mode)
	v.SetDefault("resolver.base_url", d.Resolver.BaseURL)
	v.SetDefault("resolver.endpoint", d.Resolver.Endpoint)
	v.SetDefault("resolver.redis_url", d.Resolver.RedisURL)
	v.SetDefault("resolver.cache_ttl_seconds", d.Resolver.CacheTTLSeconds)

	v.SetDefault("formatter.sanitize_backend_html", d.Formatter.SanitizeBackendHTML)
	v.SetDefault("session.save_instruction", d.Session.SaveInstruction)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
}

// unmarshal reads keys one by one so env overrides apply to nested keys.
func unmarshal(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Connection.URL = v.GetString("connection.url")
	cfg.Connection.MaxAttempts = v.GetInt("connection.max_attempts")
	cfg.Connection.RetryDelayMS = v.GetInt("connection.retry_delay_ms")
	cfg.Connection.WriteTimeoutMS = v.GetInt("connection.write_timeout_ms")
	cfg.Connection.HandshakeTimeoutMS = v.GetInt("connection.handshake_timeout_ms")

	cfg.Enrichment.PlaceholderURL = v.GetString("enrichment.placeholder_url")
	cfg.Enrichment.TimeoutMS = v.GetInt("enrichment.timeout_ms")
	cfg.Enrichment.Concurrency = v.GetInt("enrichment.concurrency")

	cfg.Resolver.Mode = v.GetString("resolver.mode")
	cfg.Resolver.BaseURL = v.GetString("resolver.base_url")
	cfg.Resolver.Endpoint = v.GetString("resolver.endpoint")
	cfg.Resolver.RedisURL = v.GetString("resolver.redis_url")
	cfg.Resolver.CacheTTLSeconds = v.GetInt("resolver.cache_ttl_seconds")

	cfg.Formatter.SanitizeBackendHTML = v.GetBool("formatter.sanitize_backend_html")
	cfg.Session.SaveInstruction = v.GetString("session.save_instruction")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	cfg.Metrics.ListenAddr = v.GetString("metrics.listen_addr")
	return cfg
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	u, err := url.Parse(c.Connection.URL)
	switch {
	case c.Connection.URL == "":
		errs = append(errs, errors.New("connection.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("connection.url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("connection.url must use ws or wss, got %q", u.Scheme))
	}
	if c.Connection.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("connection.max_attempts must be >= 0, got %d", c.Connection.MaxAttempts))
	}
	if c.Connection.RetryDelayMS < 0 {
		errs = append(errs, fmt.Errorf("connection.retry_delay_ms must be >= 0, got %d", c.Connection.RetryDelayMS))
	}

	if c.Enrichment.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("enrichment.concurrency must be >= 1, got %d", c.Enrichment.Concurrency))
	}

	switch c.Resolver.Mode {
	case "template":
		if c.Resolver.BaseURL == "" {
			errs = append(errs, errors.New("resolver.base_url is required in template mode"))
		}
	case "http":
		if c.Resolver.Endpoint == "" {
			errs = append(errs, errors.New("resolver.endpoint is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("resolver.mode must be template or http, got %q", c.Resolver.Mode))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errs
}

// Err folds the Validate result into one error, or nil.
func (c *Config) Err() error {
	errs := c.Validate()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

func (c *Config) ConnectionConfig() connection.Config {
	return connection.Config{
		URL:          c.Connection.URL,
		MaxAttempts:  c.Connection.MaxAttempts,
		RetryDelay:   time.Duration(c.Connection.RetryDelayMS) * time.Millisecond,
		WriteTimeout: time.Duration(c.Connection.WriteTimeoutMS) * time.Millisecond,
	}
}

func (c *Config) EnrichConfig() enrich.Config {
	return enrich.Config{
		Placeholder: c.Enrichment.PlaceholderURL,
		Timeout:     time.Duration(c.Enrichment.TimeoutMS) * time.Millisecond,
		Concurrency: c.Enrichment.Concurrency,
	}
}
