package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const appName = "garmin-weight-sync"

// FileConfig is the optional TOML configuration file.
type FileConfig struct {
	Garmin  GarminConfig  `toml:"garmin"`
	Session SessionConfig `toml:"session"`
	Upload  UploadConfig  `toml:"upload"`
	Log     LogConfig     `toml:"log"`
	Server  ServerConfig  `toml:"server"`
}

type GarminConfig struct {
	Email          string `toml:"email,omitempty"`
	Password       string `toml:"password,omitempty"`
	Domain         string `toml:"domain,omitempty"`
	ConsumerKey    string `toml:"consumer_key,omitempty"`
	ConsumerSecret string `toml:"consumer_secret,omitempty"`
}

type SessionConfig struct {
	File     string `toml:"file,omitempty"`
	Key      string `toml:"key,omitempty"`
	RedisURL string `toml:"redis_url,omitempty"`
}

type UploadConfig struct {
	Unit string `toml:"unit,omitempty"`
}

type LogConfig struct {
	Level string `toml:"level,omitempty"`
}

type ServerConfig struct {
	Listen string `toml:"listen,omitempty"`
	Token  string `toml:"token,omitempty"`
}

// getConfigPath returns the path to the config file following the XDG base directory layout
func getConfigPath() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configHome, appName, "config.toml"), nil
}

// loadConfig reads the config file at path. A missing file yields an empty
// config unless required is set.
func loadConfig(path string, required bool) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// saveConfig writes the config to the TOML file
func saveConfig(path string, cfg *FileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
