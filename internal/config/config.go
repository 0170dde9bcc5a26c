// Package config loads the backend configuration from a YAML file with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the backend.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Embedding EmbeddingConfig           `yaml:"embedding"`
	Retrieval RetrievalConfig           `yaml:"retrieval"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Search    SearchConfig              `yaml:"search"`
	Storage   StorageConfig             `yaml:"storage"`
	Feishu    FeishuConfig              `yaml:"feishu"`
	Memory    MemoryConfig              `yaml:"memory"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

// ProviderConfig describes one model provider account.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// ModelMigrations remaps retired model ids to their replacements
	// before every call.
	ModelMigrations map[string]string `yaml:"model_migrations"`
	// Strategy overrides the wire protocol: claude, responses or chat.
	// Empty means infer from the provider name.
	Strategy string `yaml:"strategy"`
}

// EmbeddingConfig describes the embedding endpoint used for retrieval.
type EmbeddingConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// RetrievalConfig tunes knowledge-base search.
type RetrievalConfig struct {
	Threshold float64 `yaml:"threshold"`
	TopK      int     `yaml:"top_k"`
}

// SandboxConfig controls the execution workspace.
type SandboxConfig struct {
	WorkspaceDir   string        `yaml:"workspace_dir"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	ShellTimeout   time.Duration `yaml:"shell_timeout"`
	PythonTimeout  time.Duration `yaml:"python_timeout"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// SearchConfig holds web-search credentials.
type SearchConfig struct {
	TavilyAPIKey string `yaml:"tavily_api_key"`
}

// StorageConfig locates the application database and the vector store.
type StorageConfig struct {
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FeishuConfig holds the bot channel credentials.
type FeishuConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
}

// MemoryConfig toggles the rolling conversation summary.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment and applies defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with all defaults applied and no credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Defaults for knowledge-base retrieval.
const (
	DefaultRetrievalThreshold = 0.3
	DefaultRetrievalTopK      = 5
)

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Retrieval.Threshold == 0 {
		c.Retrieval.Threshold = DefaultRetrievalThreshold
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = DefaultRetrievalTopK
	}
	if c.Sandbox.WorkspaceDir == "" {
		c.Sandbox.WorkspaceDir = "/tmp/mutiexpert-workspace"
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 10000
	}
	if c.Sandbox.ShellTimeout == 0 {
		c.Sandbox.ShellTimeout = 30 * time.Second
	}
	if c.Sandbox.PythonTimeout == 0 {
		c.Sandbox.PythonTimeout = 30 * time.Second
	}
	if c.Sandbox.FetchTimeout == 0 {
		c.Sandbox.FetchTimeout = 20 * time.Second
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "mutiexpert.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Provider returns the configuration for the named provider, with
// legacy aliases normalized.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if name == "codex" {
		name = "openai"
	}
	pc, ok := c.Providers[name]
	return pc, ok
}
