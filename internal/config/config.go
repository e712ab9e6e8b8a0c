// Package config loads keepsake configuration: YAML file, then
// KEEPSAKE_* environment overrides on top of defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type EngineConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	ChatModel  string `yaml:"chat_model"`
	EmbedModel string `yaml:"embed_model"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type RetrievalConfig struct {
	TopK          int  `yaml:"top_k"`
	MaxContext    int  `yaml:"max_context"`
	RerankEnabled bool `yaml:"rerank_enabled"`
}

type LoggingConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			BaseURL:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
			ChatModel:  "qwen-turbo",
			EmbedModel: "text-embedding-v3",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:          3,
			MaxContext:    2,
			RerankEnabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at path (default:
// $XDG_CONFIG_HOME/keepsake/config.yaml), then applies KEEPSAKE_*
// environment overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "keepsake", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "keepsake-data"
		}
	}
	return filepath.Join(dir, "keepsake")
}

func applyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString("KEEPSAKE_BASE_URL", &cfg.Engine.BaseURL)
	setString("KEEPSAKE_API_KEY", &cfg.Engine.APIKey)
	setString("KEEPSAKE_CHAT_MODEL", &cfg.Engine.ChatModel)
	setString("KEEPSAKE_EMBED_MODEL", &cfg.Engine.EmbedModel)
	setString("KEEPSAKE_DATA_DIR", &cfg.Storage.DataDir)
	setString("KEEPSAKE_LOG_FILE", &cfg.Logging.File)
	setString("KEEPSAKE_LOG_LEVEL", &cfg.Logging.Level)

	if raw := os.Getenv("KEEPSAKE_TOP_K"); raw != "" {
		if i, err := strconv.Atoi(raw); err == nil {
			cfg.Retrieval.TopK = i
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var KEEPSAKE_TOP_K=%q: %v. Using default value.\n", raw, err)
		}
	}
	if raw := os.Getenv("KEEPSAKE_RERANK_ENABLED"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			cfg.Retrieval.RerankEnabled = b
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var KEEPSAKE_RERANK_ENABLED=%q: %v. Using default value.\n", raw, err)
		}
	}
}
