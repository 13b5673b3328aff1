package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the bootstrap configuration read from config.toml. Everything a
// restaurant operator changes at runtime (printers, assignments) lives in the
// SQLite store instead; this file only carries what the daemon needs to reach
// the backend.
type Config struct {
	Cloud    CloudConfig    `toml:"cloud"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Ingress  IngressConfig  `toml:"ingress"`
	Notifier NotifierConfig `toml:"notifier"`
	SNMP     SNMPConfig     `toml:"snmp"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
}

type CloudConfig struct {
	URL         string `toml:"url"`
	AnonKey     string `toml:"anon_key"`
	FrontendURL string `toml:"frontend_url"`
}

type BridgeConfig struct {
	RestaurantID   string `toml:"restaurant_id"`
	RestaurantName string `toml:"restaurant_name"`
	PaperWidth     int    `toml:"paper_width"`
	MinFirmware    string `toml:"min_firmware"`
}

type IngressConfig struct {
	Port int `toml:"port"`
}

type NotifierConfig struct {
	Port int `toml:"port"`
}

type SNMPConfig struct {
	Enabled   bool   `toml:"enabled"`
	Community string `toml:"community"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Bridge:   BridgeConfig{PaperWidth: 80},
		Ingress:  IngressConfig{Port: 3333},
		Notifier: NotifierConfig{Port: 3334},
		SNMP:     SNMPConfig{Enabled: true, Community: "public"},
		Logging:  LoggingConfig{Level: "INFO"},
	}
}

// LoadConfig reads path, fills defaults, and applies environment overrides.
// A missing file is not an error: env-only deployments are supported.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Bridge.PaperWidth == 0 {
		cfg.Bridge.PaperWidth = 80
	}
	if cfg.Ingress.Port == 0 {
		cfg.Ingress.Port = 3333
	}
	if cfg.Notifier.Port == 0 {
		cfg.Notifier.Port = 3334
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(defaultDataDir(), "bridge.db")
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments inject secrets without writing them to
// disk. Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Cloud.URL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		cfg.Cloud.AnonKey = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.Cloud.FrontendURL = v
	}
	if v := os.Getenv("RESTAURANT_ID"); v != "" {
		cfg.Bridge.RestaurantID = v
	}
	if v := os.Getenv("RESTAURANT_NAME"); v != "" {
		cfg.Bridge.RestaurantName = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BRIDGE_INGRESS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Ingress.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_NOTIFIER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Notifier.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate reports the misconfigurations that make startup pointless.
func (c Config) Validate() error {
	if c.Cloud.URL == "" {
		return fmt.Errorf("cloud.url (or SUPABASE_URL) is required")
	}
	if c.Cloud.AnonKey == "" {
		return fmt.Errorf("cloud.anon_key (or SUPABASE_KEY) is required")
	}
	if c.Cloud.FrontendURL == "" {
		return fmt.Errorf("cloud.frontend_url (or FRONTEND_URL) is required")
	}
	if c.Bridge.RestaurantID == "" {
		return fmt.Errorf("bridge.restaurant_id (or RESTAURANT_ID) is required")
	}
	return nil
}

const defaultConfigTemplate = `# PrintBridge configuration
# Secrets can also come from the environment: SUPABASE_URL, SUPABASE_KEY,
# FRONTEND_URL, RESTAURANT_ID.

[cloud]
url = ""
anon_key = ""
frontend_url = ""

[bridge]
restaurant_id = ""
restaurant_name = ""
paper_width = 80
min_firmware = ""

[ingress]
port = 3333

[notifier]
port = 3334

[snmp]
enabled = true
community = "public"

[database]
# path = "/var/lib/printbridge/bridge.db"

[logging]
level = "INFO"
`

// WriteDefaultConfig writes the commented template to path, refusing to
// clobber an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0600)
}

// defaultDataDir returns the platform directory for the SQLite store and
// other daemon state.
func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "PrintBridge")
	case "darwin":
		return "/Library/Application Support/PrintBridge"
	default:
		return "/var/lib/printbridge"
	}
}

// defaultLogDir returns the platform log directory.
func defaultLogDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "PrintBridge", "logs")
	default:
		return "/var/log/printbridge"
	}
}
