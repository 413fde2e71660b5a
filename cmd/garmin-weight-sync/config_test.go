package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		testDir := "/tmp/test-xdg"
		t.Setenv("XDG_CONFIG_HOME", testDir)

		path, err := getConfigPath()
		if err != nil {
			t.Fatalf("getConfigPath() error = %v", err)
		}

		expected := filepath.Join(testDir, "garmin-weight-sync", "config.toml")
		if path != expected {
			t.Errorf("getConfigPath() = %v, want %v", path, expected)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")

		path, err := getConfigPath()
		if err != nil {
			t.Fatalf("getConfigPath() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()
		expected := filepath.Join(homeDir, ".config", "garmin-weight-sync", "config.toml")
		if path != expected {
			t.Errorf("getConfigPath() = %v, want %v", path, expected)
		}
	})
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garmin-weight-sync", "config.toml")

	config := &FileConfig{
		Garmin:  GarminConfig{Email: "me@example.com", Domain: "garmin.com"},
		Session: SessionConfig{File: "/var/lib/garmin/session.json", RedisURL: "redis://localhost:6379/1"},
		Upload:  UploadConfig{Unit: "lbs"},
		Log:     LogConfig{Level: "debug"},
	}

	if err := saveConfig(path, config); err != nil {
		t.Fatalf("saveConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file was not created at %s", path)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if *loaded != *config {
		t.Errorf("loadConfig() = %+v, want %+v", loaded, config)
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")

	config, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("loadConfig() optional error = %v", err)
	}
	if *config != (FileConfig{}) {
		t.Errorf("expected empty config, got %+v", config)
	}

	if _, err := loadConfig(path, true); err == nil {
		t.Error("loadConfig() expected error for required non-existent file, got nil")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[garmin\nemail = "), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadConfig(path, false); err == nil {
		t.Error("loadConfig() expected error for malformed TOML")
	}
}

func TestConfigTOMLFormat(t *testing.T) {
	config := &FileConfig{
		Garmin: GarminConfig{Email: "me@example.com"},
		Upload: UploadConfig{Unit: "kg"},
	}

	data, err := toml.Marshal(config)
	if err != nil {
		t.Fatalf("toml.Marshal() error = %v", err)
	}

	tomlStr := string(data)

	if !strings.Contains(tomlStr, "[garmin]") {
		t.Error("TOML should contain [garmin] section")
	}
	if !strings.Contains(tomlStr, "email = ") {
		t.Error("TOML should contain email field")
	}
	if !strings.Contains(tomlStr, "[upload]") {
		t.Error("TOML should contain [upload] section")
	}
	if strings.Contains(tomlStr, "password") {
		t.Error("empty password should be omitted")
	}
}
