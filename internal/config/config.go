// Package config loads change intelligence service configuration from
// environment variables, a YAML file, or defaults, in that order of
// precedence, mirroring the layered approach of the repo this was
// generalized from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all settings the change intelligence service needs to start.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Graph   GraphConfig   `yaml:"graph"`
	Log     LogConfig     `yaml:"log"`
	GitHub  GitHubConfig  `yaml:"github"`
	Outbox  OutboxConfig  `yaml:"outbox"`
}

// StorageConfig points at the local SQLite file backing the event store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// GraphConfig optionally seeds the service graph from a YAML file at
// startup via an optional graph YAML file path.
type GraphConfig struct {
	ImportPath string `yaml:"import_path"`
}

// LogConfig controls verbosity and output shape.
type LogConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"`
	OutputFile string `yaml:"output_file"`
}

// GitHubConfig configures the optional provenance enrichment sidecar.
type GitHubConfig struct {
	Token     string `yaml:"token"`
	RateLimit int    `yaml:"rate_limit"` // requests per second
}

// OutboxConfig points at the local bbolt journal used for durable
// post-commit observer notifications.
type OutboxConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration used when no file or
// environment override is present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: "./changeintel.db"},
		Graph:   GraphConfig{ImportPath: ""},
		Log: LogConfig{
			Level:      "info",
			JSONFormat: false,
			OutputFile: "",
		},
		GitHub: GitHubConfig{RateLimit: 5},
		Outbox: OutboxConfig{Path: "./changeintel-outbox.db"},
	}
}

// Load builds a Config from, in increasing precedence: built-in defaults,
// an optional YAML file (explicit path, or discovered in standard
// locations), then environment variables (with CHANGEINTEL_ prefix for
// viper's automatic binding, plus explicit overrides matching this
// service's documented variable names).
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("graph", cfg.Graph)
	v.SetDefault("log", cfg.Log)
	v.SetDefault("github", cfg.GitHub)
	v.SetDefault("outbox", cfg.Outbox)

	v.SetEnvPrefix("CHANGEINTEL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("changeintel")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadEnvFiles() {
	envFiles := []string{".env.local", ".env"}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if path := os.Getenv("CHANGEINTEL_DB_PATH"); path != "" {
		cfg.Storage.Path = expandPath(path)
	}
	if path := os.Getenv("CHANGEINTEL_GRAPH_IMPORT"); path != "" {
		cfg.Graph.ImportPath = expandPath(path)
	}
	if level := os.Getenv("CHANGEINTEL_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if outputFile := os.Getenv("CHANGEINTEL_LOG_FILE"); outputFile != "" {
		cfg.Log.OutputFile = expandPath(outputFile)
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if rateLimit := os.Getenv("GITHUB_RATE_LIMIT"); rateLimit != "" {
		if rate, err := strconv.Atoi(rateLimit); err == nil {
			cfg.GitHub.RateLimit = rate
		}
	}
	if path := os.Getenv("CHANGEINTEL_OUTBOX_PATH"); path != "" {
		cfg.Outbox.Path = expandPath(path)
	}
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}

// Save writes the configuration back out as YAML, used by the CLI's
// `config set-github-token` subcommand.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("storage", c.Storage)
	v.Set("graph", c.Graph)
	v.Set("log", c.Log)
	v.Set("github", c.GitHub)
	v.Set("outbox", c.Outbox)

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
