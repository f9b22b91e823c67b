package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/franckalain/nutrilog/internal/ml"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: NUTRILOG_ML__GOOGLE__PROJECT_ID sets ml.google.project_id.
const EnvPrefix = "NUTRILOG_"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Admin     AdminConfig     `koanf:"admin"`
	Vault     VaultConfig     `koanf:"vault"`
	Auth      AuthConfig      `koanf:"auth"`
	ML        ml.Config       `koanf:"ml"`
	Sheets    SheetsConfig    `koanf:"sheets"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	warnings []string
}

type ServerConfig struct {
	Port  string `koanf:"port"`
	Debug bool   `koanf:"debug"`
}

// AdminConfig points at the administrative store holding users and tenant credentials.
type AdminConfig struct {
	DSN string `koanf:"dsn"`
}

type VaultConfig struct {
	Path     string `koanf:"path"`
	Scope    string `koanf:"scope"`
	InMemory bool   `koanf:"in_memory"`
}

type AuthConfig struct {
	SigningKey string        `koanf:"signing_key"`
	TokenTTL   time.Duration `koanf:"token_ttl"`
	BcryptCost int           `koanf:"bcrypt_cost"`
}

type SheetsConfig struct {
	WebhookURL string        `koanf:"webhook_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":            "8080",
	"vault.path":             "data/vault",
	"vault.scope":            "nutrilog",
	"auth.token_ttl":         "1h",
	"ml.type":                "google",
	"sheets.timeout":         "10s",
	"telemetry.service_name": "nutrilog",
}

// LoadConfig loads the yaml file at configPath, when it exists, then applies
// NUTRILOG_ environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			// A missing file leaves defaults and env vars.
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Server.Port == "" {
		return nil, fmt.Errorf("server port is not set")
	}
	if config.Admin.DSN == "" {
		config.warnings = append(config.warnings,
			"admin.dsn is not set: sign in and tenant setup are unavailable")
	}
	if config.Auth.SigningKey == "" {
		config.warnings = append(config.warnings,
			"auth.signing_key is not set: a random key is used and sessions end on restart")
	}
	return &config, nil
}

// Warnings lists configuration gaps the daemon runs degraded with.
func (c *Config) Warnings() []string {
	return c.warnings
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	// First try environment variable
	if path := os.Getenv("NUTRILOG_CONFIG"); path != "" {
		return path
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.yaml")
	}

	// Finally, try current directory
	return "config.yaml"
}
