package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// UserID identifies this device's user in conversation participant
	// lists and message sender fields.
	UserID   string   `toml:"user_id"`
	Remote   Remote   `toml:"remote"`
	Delivery Delivery `toml:"delivery"`
}

// Remote configures the Firestore record store backing the engine.
type Remote struct {
	ProjectID       string `toml:"project_id"`
	CredentialsFile string `toml:"credentials_file"`
	// Collection holding conversation documents; messages live in a
	// per-conversation subcollection.
	Collection string `toml:"collection"`
}

// Delivery holds the reliability engine tunables. Zero values are
// replaced with defaults by Load.
type Delivery struct {
	MaxRetries     int      `toml:"max_retries"`
	BaseDelay      duration `toml:"base_delay"`
	MaxDelay       duration `toml:"max_delay"`
	SendTimeout    duration `toml:"send_timeout"`
	StaleThreshold duration `toml:"stale_threshold"`
	DrainInterval  duration `toml:"drain_interval"`
}

// duration lets TOML carry values like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default delivery tunables.
const (
	DefaultMaxRetries     = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 32 * time.Second
	DefaultSendTimeout    = 15 * time.Second
	DefaultStaleThreshold = 30 * time.Second
	DefaultDrainInterval  = 5 * time.Second
	DefaultCollection     = "conversations"
)

// Load reads config from the given path and applies defaults.
// Returns zero config and error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Defaults returns a config with every tunable at its default value.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Delivery.MaxRetries <= 0 {
		c.Delivery.MaxRetries = DefaultMaxRetries
	}
	if c.Delivery.BaseDelay <= 0 {
		c.Delivery.BaseDelay = duration(DefaultBaseDelay)
	}
	if c.Delivery.MaxDelay <= 0 {
		c.Delivery.MaxDelay = duration(DefaultMaxDelay)
	}
	if c.Delivery.SendTimeout <= 0 {
		c.Delivery.SendTimeout = duration(DefaultSendTimeout)
	}
	if c.Delivery.StaleThreshold <= 0 {
		c.Delivery.StaleThreshold = duration(DefaultStaleThreshold)
	}
	if c.Delivery.DrainInterval <= 0 {
		c.Delivery.DrainInterval = duration(DefaultDrainInterval)
	}
	if c.Remote.Collection == "" {
		c.Remote.Collection = DefaultCollection
	}
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
