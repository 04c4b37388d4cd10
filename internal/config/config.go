package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the global ~/.souk/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	LogLevel       string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr    string `toml:"metrics_addr" validate:"omitempty,hostname_port"`

	API   APIConfig   `toml:"api"`
	OAuth OAuthConfig `toml:"oauth"`
	Feed  FeedConfig  `toml:"feed"`
}

// APIConfig points the request pipeline at the marketplace REST API.
type APIConfig struct {
	BaseURL string   `toml:"base_url" validate:"omitempty,url"`
	Timeout Duration `toml:"timeout"`
}

// OAuthConfig configures the identity provider used for sign-in and refresh.
type OAuthConfig struct {
	ClientID      string   `toml:"client_id"`
	ClientSecret  string   `toml:"client_secret"`
	TokenURL      string   `toml:"token_url" validate:"omitempty,url"`
	DeviceAuthURL string   `toml:"device_auth_url" validate:"omitempty,url"`
	Scopes        []string `toml:"scopes"`
}

// FeedConfig selects the real-time message feed. Firestore wins when a
// project is set; otherwise the websocket URL is used.
type FeedConfig struct {
	FirestoreProject     string  `toml:"firestore_project"`
	FirestoreCredentials string  `toml:"firestore_credentials" validate:"omitempty,filepath"`
	WebsocketURL         string  `toml:"websocket_url" validate:"omitempty,url"`
	MarkReadPerSec       float64 `toml:"mark_read_per_sec" validate:"gte=0"`
}

// Duration lets TOML carry values such as "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Timeout: Duration{15 * time.Second},
		},
		Feed: FeedConfig{
			MarkReadPerSec: 5,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
// Values absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field formats.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
