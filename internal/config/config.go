// Package config loads application configuration from defaults, an
// optional YAML file and FIELDSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are joined
// with a double underscore: FIELDSYNC_SYNC__MAX_RETRIES.
const EnvPrefix = "FIELDSYNC_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the application configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
	Store   StoreConfig   `koanf:"store"`
	Remote  RemoteConfig  `koanf:"remote"`
	Network NetworkConfig `koanf:"network"`
	Sync    SyncConfig    `koanf:"sync"`
	CORS    CORSConfig    `koanf:"cors"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	APIToken          string        `koanf:"api_token"`
	MaxUploadBytes    int64         `koanf:"max_upload_bytes" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// StoreConfig selects and configures the local queue backend.
type StoreConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=sqlite postgres memory"`
	Path            string        `koanf:"path" validate:"required_if=Driver sqlite"`
	BusyTimeout     time.Duration `koanf:"busy_timeout"`
	URL             string        `koanf:"url" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// RemoteConfig configures delivery to the remote service.
type RemoteConfig struct {
	BaseURL              string        `koanf:"base_url"`
	Timeout              time.Duration `koanf:"timeout"`
	UserAgent            string        `koanf:"user_agent"`
	Token                string        `koanf:"token"` // static bearer token, overrides the credential lookup
	CredentialKeyPattern string        `koanf:"credential_key_pattern"`
	FormsTarget          string        `koanf:"forms_target"`
	ChatsTarget          string        `koanf:"chats_target"`
	DocumentsTarget      string        `koanf:"documents_target"`
	DocumentField        string        `koanf:"document_field"`
}

// NetworkConfig configures connectivity tracking.
type NetworkConfig struct {
	InitialOnline bool          `koanf:"initial_online"`
	ProbeURL      string        `koanf:"probe_url"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
}

// SyncConfig configures draining.
type SyncConfig struct {
	MaxRetries      int           `koanf:"max_retries" validate:"gte=1"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout" validate:"gt=0"`
	RateLimit       float64       `koanf:"rate_limit" validate:"gte=0"`
	JournalSize     int           `koanf:"journal_size" validate:"gte=0"`
	Interval        time.Duration `koanf:"interval" validate:"gte=0"`
}

// CORSConfig configures cross-origin access to the status API.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxUploadBytes:    25 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:          DriverSQLite,
			Path:            "data/fieldsync.db",
			BusyTimeout:     5 * time.Second,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Remote: RemoteConfig{
			Timeout:              30 * time.Second,
			UserAgent:            "fieldsync",
			CredentialKeyPattern: `^sb-[a-z0-9]+-auth-token$`,
			FormsTarget:          "/forms",
			ChatsTarget:          "/chats",
			DocumentsTarget:      "/documents",
			DocumentField:        "file",
		},
		Network: NetworkConfig{
			InitialOnline: false,
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:      3,
			DeliveryTimeout: 30 * time.Second,
			JournalSize:     50,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps FIELDSYNC_SYNC__MAX_RETRIES to sync.max_retries.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, err)
	}

	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("remote.base_url must be an absolute URL"))
		}
	}
	if c.Network.ProbeURL != "" {
		if u, err := url.Parse(c.Network.ProbeURL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("network.probe_url must be an absolute URL"))
		}
	}
	if _, err := regexp.Compile(c.Remote.CredentialKeyPattern); err != nil {
		errs = append(errs, fmt.Errorf("remote.credential_key_pattern: %w", err))
	}

	return errors.Join(errs...)
}
