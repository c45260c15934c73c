// Package config loads sift configuration from defaults, the user config
// file, a project .sift.yaml, and the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/sift/internal/models"
)

// ProjectFile is the per-project override file searched upward from the
// working directory.
const ProjectFile = ".sift.yaml"

// Config holds all configuration for sift.
type Config struct {
	Research  models.Options  `mapstructure:"research"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Search    SearchConfig    `mapstructure:"search"`
	Store     StoreConfig     `mapstructure:"store"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`

	v *viper.Viper
}

// WorkerConfig bounds the research worker.
type WorkerConfig struct {
	MaxRounds  int `mapstructure:"max_rounds"`
	FetchLimit int `mapstructure:"fetch_limit"`
}

// AnthropicConfig holds reasoning service settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int    `mapstructure:"max_tokens"`
	MaxRetries int    `mapstructure:"max_retries"`
	BaseURL    string `mapstructure:"base_url"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// SearchConfig holds search service settings.
type SearchConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Depth      string        `mapstructure:"depth"`
	MaxResults int           `mapstructure:"max_results"`
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Backend is "sqlite" or "firestore".
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	ProjectID string `mapstructure:"project_id"`
}

// ProgressConfig enables the Pub/Sub progress sink when Topic is set.
type ProgressConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load reads configuration. When path is empty the user config and the
// nearest project file are merged; otherwise only path is read.
// Precedence (highest to lowest):
// 1. Environment variables (SIFT_*, ANTHROPIC_API_KEY, TAVILY_API_KEY)
// 2. Project config (.sift.yaml in the current directory or a parent)
// 3. User config (~/.config/sift/config.yaml)
// 4. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(UserConfigDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading user config: %w", err)
			}
		}

		if project := findProjectConfig(); project != "" {
			pv := viper.New()
			pv.SetConfigFile(project)
			if err := pv.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading project config %s: %w", project, err)
			}
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "SIFT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("search.api_key", "SIFT_SEARCH_API_KEY", "TAVILY_API_KEY")

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Search.APIKey = os.ExpandEnv(cfg.Search.APIKey)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Research = cfg.Research.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Research.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "firestore":
		if c.Store.ProjectID == "" {
			return fmt.Errorf("store.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("invalid store.backend %q, must be: sqlite or firestore", c.Store.Backend)
	}
	return nil
}

// File returns the config file that was read, or "".
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Settings returns the effective settings with secrets redacted.
func (c *Config) Settings() map[string]interface{} {
	if c.v == nil {
		return nil
	}
	all := c.v.AllSettings()
	for _, key := range []string{"anthropic", "search"} {
		section, ok := all[key].(map[string]interface{})
		if !ok {
			continue
		}
		if k, _ := section["api_key"].(string); k != "" {
			section["api_key"] = "***"
		}
	}
	return all
}

// Watch reloads the config file on change and passes the new config to
// onChange. It returns false when no config file was read.
func (c *Config) Watch(onChange func(*Config)) bool {
	if c.File() == "" {
		return false
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := Load(c.File())
		if err != nil {
			log.Printf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		log.Printf("Reloaded config from %s", e.Name)
		onChange(next)
	})
	c.v.WatchConfig()
	return true
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}

	v := viper.New()
	setDefaults(v)
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := models.DefaultOptions()
	v.SetDefault("research.concurrency_limit", d.ConcurrencyLimit)
	v.SetDefault("research.retry_attempts", d.RetryAttempts)
	v.SetDefault("research.task_timeout", d.TaskTimeout.String())
	v.SetDefault("research.backoff_base", d.BackoffBase.String())
	v.SetDefault("research.backoff_max", d.BackoffMax.String())
	v.SetDefault("research.checkpoint_interval", d.CheckpointInterval.String())
	v.SetDefault("research.session_deadline", "0s")
	v.SetDefault("research.min_tasks", d.MinTasks)
	v.SetDefault("research.max_tasks", d.MaxTasks)
	v.SetDefault("research.retention", d.Retention.String())

	v.SetDefault("worker.max_rounds", 3)
	v.SetDefault("worker.fetch_limit", 3)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.max_retries", 2)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("search.api_key", "")
	v.SetDefault("search.depth", "basic")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.endpoint", "")
	v.SetDefault("search.timeout", "15s")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", filepath.Join("~", ".sift", "sift.db"))
	v.SetDefault("store.project_id", "")

	v.SetDefault("progress.project_id", "")
	v.SetDefault("progress.topic", "")

	v.SetDefault("server.listen", "127.0.0.1:7467")
}

// UserConfigDir returns the XDG config directory for sift.
func UserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sift")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "sift")
	}
	return filepath.Join(home, ".config", "sift")
}

// UserConfigPath returns the path of the user config file.
func UserConfigPath() string {
	return filepath.Join(UserConfigDir(), "config.yaml")
}

// findProjectConfig searches for .sift.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[1:])
	}
	return p
}
