// Package config holds the YAML client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/habittribe/tribe/logging"
)

// Environment variables that override the file.
const (
	EnvLogLevel   = "HABITTRIBE_LOG_LEVEL"
	EnvBackendURL = "HABITTRIBE_BACKEND_URL"
)

const hubPath = "/hubs/notifications"

// Config is the client configuration.
type Config struct {
	BackendURL string   `yaml:"backend_url"`
	HubURL     string   `yaml:"hub_url,omitempty"` // derived from BackendURL when empty
	DataDir    string   `yaml:"data_dir"`
	Profile    string   `yaml:"profile,omitempty"` // empty keeps the session in memory
	Log        Log      `yaml:"log"`
	Realtime   Realtime `yaml:"realtime"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// Realtime configures the push connection.
type Realtime struct {
	SkipNegotiation      bool          `yaml:"skip_negotiation"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		BackendURL: "http://localhost:5000/api/",
		DataDir:    ".habittribe",
		Log: Log{
			Level:  "info",
			Format: "text",
			Dir:    "logs",
		},
		Realtime: Realtime{
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			DialTimeout:          15 * time.Second,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.BackendURL = v
	}
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	if err := logging.Validate(c.Log.Level); err != nil {
		return err
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend_url %q", c.BackendURL)
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.Realtime.ReconnectBaseDelay <= 0 || c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= max")
	}
	return nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// APIBase returns BackendURL with a trailing slash, ready for joining
// relative resource paths.
func (c *Config) APIBase() string {
	if strings.HasSuffix(c.BackendURL, "/") {
		return c.BackendURL
	}
	return c.BackendURL + "/"
}

// Hub returns the push endpoint. Unless set explicitly it is the backend
// URL with its /api/ suffix replaced by /hubs/notifications.
func (c *Config) Hub() string {
	if c.HubURL != "" {
		return c.HubURL
	}
	base := strings.TrimSuffix(c.APIBase(), "/")
	base = strings.TrimSuffix(base, "/api")
	return base + hubPath
}

// ProfilePath returns the SQLite file backing the named session profile,
// or "" when the session lives in memory.
func (c *Config) ProfilePath() string {
	if c.Profile == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "profiles", c.Profile+".db")
}
