package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers understood by internal/db.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// Adjudicator providers understood by internal/adjudicate.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHTTP   = "http"
)

// DefaultBaseURL is the local Ollama OpenAI-compatible endpoint.
const DefaultBaseURL = "http://localhost:11434/v1"

// Config represents the rolodex configuration
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Adjudicator AdjudicatorConfig `yaml:"adjudicator"`
	Clustering  ClusteringConfig  `yaml:"clustering"`
	Plan        PlanConfig        `yaml:"plan"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StoreConfig locates the record store
type StoreConfig struct {
	Path   string `yaml:"path,omitempty"`
	Driver string `yaml:"driver"`
}

// AdjudicatorConfig describes the external merge decision service
type AdjudicatorConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key,omitempty"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BatchSize      int    `yaml:"batch_size"`
	RetryAttempts  int    `yaml:"retry_attempts"`
}

// ClusteringConfig tunes which contact values count as evidence
type ClusteringConfig struct {
	// Values whose normalized length is <= MinValueLength are ignored.
	MinValueLength int      `yaml:"min_value_length"`
	GenericValues  []string `yaml:"generic_values"`
}

// PlanConfig locates the merge plan artifact
type PlanConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig controls the slog logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config populated with built-in defaults. Paths that depend
// on the data directory are resolved by Load.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: DriverModernc},
		Adjudicator: AdjudicatorConfig{
			Provider:       ProviderOpenAI,
			BaseURL:        DefaultBaseURL,
			APIKey:         "ollama",
			Model:          "llama3",
			TimeoutSeconds: 120,
			BatchSize:      5,
			RetryAttempts:  3,
		},
		Clustering: ClusteringConfig{
			MinValueLength: 3,
			GenericValues:  []string{"canada", "china", "united states"},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("ROLODEX_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "rolodex"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("ROLODEX_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Rolodex"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "rolodex"), nil
	}

	return filepath.Join(home, ".local", "share", "rolodex"), nil
}

// DefaultPath returns the location of config.yaml
func DefaultPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Load reads config from path (or the default location when path is empty),
// loads a .env file from the working directory if present, and applies
// environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_API_BASE"); v != "" {
		c.Adjudicator.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.Adjudicator.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.Adjudicator.Model = v
	}
	if v := os.Getenv("ROLODEX_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ROLODEX_PLAN_PATH"); v != "" {
		c.Plan.Path = v
	}
}

func (c *Config) resolvePaths() error {
	if c.Store.Path != "" && c.Plan.Path != "" {
		return nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return err
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dataDir, "database.sqlite")
	}
	if c.Plan.Path == "" {
		c.Plan.Path = filepath.Join(dataDir, "merge_plan.json")
	}
	return nil
}

// Validate checks enumerations and numeric bounds
func (c *Config) Validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case DriverModernc, DriverCGO:
	default:
		return fmt.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}

	c.Adjudicator.Provider = strings.ToLower(strings.TrimSpace(c.Adjudicator.Provider))
	switch c.Adjudicator.Provider {
	case ProviderOpenAI, ProviderGemini, ProviderHTTP:
	default:
		return fmt.Errorf("config: unsupported adjudicator provider %q", c.Adjudicator.Provider)
	}
	if c.Adjudicator.BatchSize < 1 {
		return fmt.Errorf("config: adjudicator batch_size must be >= 1, got %d", c.Adjudicator.BatchSize)
	}
	if c.Clustering.MinValueLength < 0 {
		return fmt.Errorf("config: clustering min_value_length must be >= 0, got %d", c.Clustering.MinValueLength)
	}
	return nil
}

// Save writes the config to path (or the default location)
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
