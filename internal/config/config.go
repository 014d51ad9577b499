package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the control server configuration. Values come from an
// optional YAML file with environment variable overrides on top.
type Config struct {
	Port    string `yaml:"port"`
	DBPath  string `yaml:"db_path"`
	DataDir string `yaml:"data_dir"`

	// MasterSecret is the process-wide secret the credential vault
	// derives its encryption key from. Required.
	MasterSecret string `yaml:"master_secret"`

	// ControlServerURL is the default callback URL baked into probe
	// configs when a machine does not specify its own.
	ControlServerURL string `yaml:"control_server_url"`

	// ProbeBinaryPath points at the prebuilt probe binary that gets
	// embedded into the bootstrap script.
	ProbeBinaryPath string `yaml:"probe_binary_path"`

	AdminUser   string `yaml:"admin_user"`
	AdminPass   string `yaml:"admin_pass"`
	AuthEnabled bool   `yaml:"auth_enabled"`

	// LivenessWindow is how long a machine may go without a heartbeat
	// before the sweeper flips it offline.
	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// TerminalMaxAge bounds how long an abandoned terminal session
	// survives before the reaper tears it down.
	TerminalMaxAge time.Duration `yaml:"terminal_max_age"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

// Load reads the YAML config at path (if it exists), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "helmsman.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:              "9090",
		DataDir:           "data",
		ProbeBinaryPath:   "probe/helmsman-probe",
		AdminUser:         "admin",
		AuthEnabled:       true,
		LivenessWindow:    2 * time.Minute,
		SweepInterval:     30 * time.Second,
		TerminalMaxAge:    time.Hour,
		HeartbeatInterval: time.Minute,
		DiscoveryInterval: 30 * time.Second,
	}
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.MasterSecret = getEnv("MASTER_SECRET", cfg.MasterSecret)
	cfg.ControlServerURL = getEnv("CONTROL_SERVER_URL", cfg.ControlServerURL)
	cfg.ProbeBinaryPath = getEnv("PROBE_BINARY_PATH", cfg.ProbeBinaryPath)
	cfg.AdminUser = getEnv("ADMIN_USER", cfg.AdminUser)
	cfg.AdminPass = getEnv("ADMIN_PASS", cfg.AdminPass)
	if v, ok := os.LookupEnv("AUTH_ENABLED"); ok {
		cfg.AuthEnabled = v == "true"
	}
}

// Validate checks fields the server cannot run without.
func (c *Config) Validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("master_secret is required (set MASTER_SECRET)")
	}
	if len(c.MasterSecret) < 16 {
		return fmt.Errorf("master_secret must be at least 16 characters")
	}
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("liveness_window must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
