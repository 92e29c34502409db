package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Database  DatabaseConfig  `toml:"database"`
	Registry  RegistryConfig  `toml:"registry"`
	Web       WebConfig       `toml:"web"`
	Observer  ObserverConfig  `toml:"observer"`
	Templates TemplatesConfig `toml:"templates"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type RuntimeConfig struct {
	MaxSteps          int    `toml:"max_steps"`
	MaxParallelAgents int    `toml:"max_parallel_agents"`
	UserID            string `toml:"user_id"`
}

type DatabaseConfig struct {
	// Driver selects the run store: "sqlite" (default) or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type RegistryConfig struct {
	// URL of the remote template registry. Empty disables remote fetch.
	URL string `toml:"url"`
}

type WebConfig struct {
	// Enabled turns the read_web tool on.
	Enabled bool `toml:"enabled"`
	// TimeoutSeconds bounds one page fetch.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type ObserverConfig struct {
	Enabled bool                    `toml:"enabled"`
	Rates   map[string]ObserverRate `toml:"rates"`
}

type ObserverRate struct {
	Input  int `toml:"input"`
	Output int `toml:"output"`
}

type TemplatesConfig struct {
	// Dir holds local agent template JSON files, loaded at startup.
	Dir string `toml:"dir"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Runtime:   RuntimeConfig{MaxSteps: 20, MaxParallelAgents: 5},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "flock.db"},
		Web:       WebConfig{TimeoutSeconds: 30},
		Templates: TemplatesConfig{Dir: "agents"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "flock.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("FLOCK_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FLOCK_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("FLOCK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FLOCK_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("FLOCK_REGISTRY_URL"); v != "" {
		cfg.Registry.URL = v
	}
	if v := os.Getenv("FLOCK_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.MaxSteps = n
		}
	}
	if v := os.Getenv("FLOCK_TEMPLATES_DIR"); v != "" {
		cfg.Templates.Dir = v
	}
	if os.Getenv("FLOCK_WEB_ENABLED") == "true" || os.Getenv("FLOCK_WEB_ENABLED") == "1" {
		cfg.Web.Enabled = true
	}
	if os.Getenv("FLOCK_OBSERVER_ENABLED") == "true" || os.Getenv("FLOCK_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Runtime.MaxSteps <= 0 {
		cfg.Runtime.MaxSteps = 20
	}
	if cfg.Web.TimeoutSeconds <= 0 {
		cfg.Web.TimeoutSeconds = 30
	}

	return cfg
}
