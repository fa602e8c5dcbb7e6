package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	ConfigFileName = "dshield_mcp.json"
	envPrefix      = "DSHIELD_MCP"
)

// LoadFromFile loads configuration from a specific file, falling back to
// defaults for anything the file does not set.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	if configPath == "" {
		// Try common locations before giving up on a file.
		for _, candidate := range configCandidates() {
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
	}
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finalize(cfg *Config) error {
	if cfg.OutputDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.OutputDir = filepath.Join(homeDir, DefaultOutputDir)
	}

	// db/ and reports/ live under the output root.
	for _, sub := range []string{"db", "reports"} {
		if err := os.MkdirAll(filepath.Join(cfg.OutputDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", sub, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

func configCandidates() []string {
	var candidates []string
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ConfigFileName))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, DefaultOutputDir, ConfigFileName))
	}
	return candidates
}

func setupViper() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// applyEnvOverrides maps a small set of operational environment variables
// onto the config. Secrets stay as references; the SecretsProvider
// resolves them at connection time.
func applyEnvOverrides(cfg *Config) {
	if v := viper.GetString("elasticsearch_url"); v != "" {
		cfg.Elasticsearch.URL = v
	}
	if v := viper.GetString("elasticsearch_username"); v != "" {
		cfg.Elasticsearch.Username = v
	}
	if viper.IsSet("elasticsearch_compat") {
		cfg.Elasticsearch.CompatibilityMode = viper.GetBool("elasticsearch_compat")
	}
	if v := viper.GetString("output_dir"); v != "" {
		cfg.OutputDir = v
	}
	if v := viper.GetString("transport"); v != "" {
		cfg.Transport = Transport(v)
	}
	if v := viper.GetString("listen"); v != "" {
		cfg.Listen = v
	}
}
