package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.pulse/config.toml. Every field
// can be overridden by its PULSE_* environment variable.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection and runtime settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url" env:"PULSE_BASE_URL"`
	WSURL        string `toml:"ws_url,omitempty" env:"PULSE_WS_URL"`
	LogLevel     string `toml:"log_level,omitempty" env:"PULSE_LOG_LEVEL"`
	LogFormat    string `toml:"log_format,omitempty" env:"PULSE_LOG_FORMAT"`
	StoragePath  string `toml:"storage_path,omitempty" env:"PULSE_STORAGE_PATH"`
	OTelEndpoint string `toml:"otel_endpoint,omitempty" env:"PULSE_OTEL_ENDPOINT"`
}

// ConfigAuth holds the access token and the identity it was issued for.
type ConfigAuth struct {
	Token    string `toml:"token" env:"PULSE_TOKEN"`
	UserID   string `toml:"user_id,omitempty" env:"PULSE_USER_ID"`
	Username string `toml:"username,omitempty" env:"PULSE_USERNAME"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed. PULSE_HOME
// replaces ~/.pulse.
func configDir() (string, error) {
	dir := os.Getenv("PULSE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".pulse")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// resolveConfig is loadConfig with environment overrides applied. It is what
// commands run with; saveConfig must only ever see loadConfig's result so
// that environment values are not written to disk.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "log_format":
			cfg.Default.LogFormat = value
		case "storage_path":
			cfg.Default.StoragePath = value
		case "otel_endpoint":
			cfg.Default.OTelEndpoint = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}
