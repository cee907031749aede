package configs

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Auth modes. "inherit" derives the caller identity from the fronting
// proxy's headers; "none" treats every caller as privileged.
const (
	AuthInherit = "inherit"
	AuthNone    = "none"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// FileConfig defines the structure loaded from the YAML configuration file.
type FileConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Auth         string `yaml:"auth"`
	Instructions string `yaml:"instructions"`

	Capabilities struct {
		Resources struct {
			ListChanged bool `yaml:"listChanged"`
			Subscribe   bool `yaml:"subscribe"`
		} `yaml:"resources"`
		Tools struct {
			ListChanged bool `yaml:"listChanged"`
		} `yaml:"tools"`
		Prompts struct {
			ListChanged bool `yaml:"listChanged"`
		} `yaml:"prompts"`
	} `yaml:"capabilities"`

	WrapEntitiesToActions bool     `yaml:"wrap_entities_to_actions"`
	WrapEntityModes       []string `yaml:"wrap_entity_modes"`
	PromptStrict          bool     `yaml:"prompt_strict"`
}

// Config holds the final application configuration, merged from file and
// environment variables. Fields load from environment variables with the
// prefix "DSMCP_", overriding file settings.
type Config struct {
	// Config file path (loaded first from env).
	ConfigFilePath string `envconfig:"CONFIG_FILE" default:"configs/dsmcp.yaml"`

	// File-loaded fields (merged).
	Name                  string
	Version               string
	Auth                  string
	Instructions          string
	ResourcesListChanged  bool
	ResourcesSubscribe    bool
	ToolsListChanged      bool
	PromptsListChanged    bool
	WrapEntitiesToActions bool
	WrapEntityModes       []string
	PromptStrict          bool

	// Environment-overridable fields.
	ModelFile                string        `envconfig:"MODEL_FILE" default:"configs/model.yaml"`
	StoreBackend             string        `envconfig:"STORE_BACKEND" default:"memory"`
	StoreFile                string        `envconfig:"STORE_FILE" default:"dsmcp.db"`
	Transport                string        `envconfig:"TRANSPORT" default:"http"`
	ListenAddr               string        `envconfig:"LISTEN_ADDR" default:":8080"`
	StdioLogFile             string        `envconfig:"STDIO_LOG_FILE" default:"dsmcp.log"`
	ShutdownTimeout          time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	ServerReadTimeout        time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"5s"`
	ServerWriteTimeout       time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ServerIdleTimeout        time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	SessionIdleTimeout       time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"0"`
	ElicitTimeout            time.Duration `envconfig:"ELICIT_TIMEOUT" default:"0"`
	OtelExporterOtlpEndpoint string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpInsecure bool          `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel                 string        `envconfig:"LOG_LEVEL" default:"info"`
}

// ParsedLogLevel returns the slog.Level based on the configured LogLevel string.
func (c *Config) ParsedLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// AuthEnabled reports whether caller identities are evaluated.
func (c *Config) AuthEnabled() bool {
	return c.Auth == AuthInherit
}

// Validate rejects value combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Auth {
	case AuthInherit, AuthNone:
	default:
		return fmt.Errorf("invalid auth mode %q (expected %q or %q)", c.Auth, AuthInherit, AuthNone)
	}
	switch c.StoreBackend {
	case StoreMemory, StoreBolt:
	default:
		return fmt.Errorf("invalid store backend %q (expected %q or %q)", c.StoreBackend, StoreMemory, StoreBolt)
	}
	switch c.Transport {
	case "http", "stdio":
	default:
		return fmt.Errorf("invalid transport %q (expected \"http\" or \"stdio\")", c.Transport)
	}
	for _, mode := range c.WrapEntityModes {
		switch mode {
		case "query", "get", "create", "update", "delete":
		default:
			return fmt.Errorf("invalid wrap entity mode %q", mode)
		}
	}
	return nil
}

// Load loads configuration first from environment variables (to get the
// file path), then from the specified YAML file, and finally merges and
// overrides with environment variables again.
func Load() (*Config, error) {
	// 1. Load initial config from env (primarily to get ConfigFilePath).
	var initialCfg Config
	if err := envconfig.Process("dsmcp", &initialCfg); err != nil {
		return nil, fmt.Errorf("failed to process initial environment variables: %w", err)
	}

	// 2. Load config from the YAML file if the path is specified.
	fileCfg := FileConfig{}
	if initialCfg.ConfigFilePath != "" {
		yamlFile, err := os.ReadFile(initialCfg.ConfigFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", initialCfg.ConfigFilePath, err)
		}
		if err := yaml.Unmarshal(yamlFile, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", initialCfg.ConfigFilePath, err)
		}
		slog.Info("Loaded configuration from file.", "path", initialCfg.ConfigFilePath)
	} else {
		slog.Info("No config file path specified (DSMCP_CONFIG_FILE), using defaults/env vars only.")
	}

	// 3. Create the final config, starting with file values, then process
	// env vars again for overrides.
	finalCfg := initialCfg
	applyFileConfig(&finalCfg, fileCfg)

	if err := envconfig.Process("dsmcp", &finalCfg); err != nil {
		return nil, fmt.Errorf("failed to process overriding environment variables: %w", err)
	}
	if err := finalCfg.Validate(); err != nil {
		return nil, err
	}
	return &finalCfg, nil
}

func applyFileConfig(cfg *Config, file FileConfig) {
	cfg.Name = file.Name
	if cfg.Name == "" {
		cfg.Name = "dsmcp"
	}
	cfg.Version = file.Version
	if cfg.Version == "" {
		cfg.Version = "0.0.0"
	}
	cfg.Auth = file.Auth
	if cfg.Auth == "" {
		cfg.Auth = AuthNone
	}
	cfg.Instructions = file.Instructions
	cfg.ResourcesListChanged = file.Capabilities.Resources.ListChanged
	cfg.ResourcesSubscribe = file.Capabilities.Resources.Subscribe
	cfg.ToolsListChanged = file.Capabilities.Tools.ListChanged
	cfg.PromptsListChanged = file.Capabilities.Prompts.ListChanged
	cfg.WrapEntitiesToActions = file.WrapEntitiesToActions
	cfg.WrapEntityModes = file.WrapEntityModes
	if len(cfg.WrapEntityModes) == 0 {
		cfg.WrapEntityModes = []string{"query", "get", "create", "update", "delete"}
	}
	cfg.PromptStrict = file.PromptStrict
}
