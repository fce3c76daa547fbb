package hub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the development hub configuration. Load writes the defaults
// back so a fresh install ends up with a complete file to edit.
type Config struct {
	Host        string        `yaml:"host"`
	Port        string        `yaml:"port"`
	Database    string        `yaml:"database"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	Issuer      string        `yaml:"issuer"`
	AdminEmails []string      `yaml:"admin_emails"`
	LogDir      string        `yaml:"log_dir"`
	Tags        []string      `yaml:"tags"` // seeded on first start

	mu         sync.RWMutex
	configFile string
}

// NewConfig returns the defaults for a config stored in filename.
func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "hub.yaml"
	}
	return &Config{
		configFile: filename,
		Host:       "localhost",
		Port:       "5000",
		Database:   "habittribe.db",
		TokenTTL:   12 * time.Hour,
		Issuer:     "habittribe-dev",
		LogDir:     "logs",
		Tags:       []string{"fitness", "reading", "mindfulness", "coding"},
	}
}

// Load reads the file, creating it from the defaults when missing. A
// missing JWT secret is generated and persisted.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.configFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", c.configFile, err)
		}
	}

	if c.JWTSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		c.JWTSecret = hex.EncodeToString(secret)
	}
	return c.saveInternal()
}

// Save writes the config file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

func (c *Config) saveInternal() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.configFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.configFile, data, 0o600)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return net.JoinHostPort(c.Host, c.Port)
}

// IsAdminEmail reports whether accounts registered with email get the
// Admin role.
func (c *Config) IsAdminEmail(email string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.AdminEmails {
		if e == email {
			return true
		}
	}
	return false
}
