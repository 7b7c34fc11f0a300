package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress    string `json:"server_address"`
	Provider         string `json:"provider"`
	SystemPrompt     string `json:"system_prompt"`
	PublicBaseURL    string `json:"public_base_url"`
	UploadDir        string `json:"upload_dir"`
	StreamTimeoutSec int    `json:"stream_timeout_sec"`
	CacheTTLSec      int    `json:"cache_ttl_sec"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

const defaultSystemPrompt = "You are a helpful and knowledgeable assistant. " +
	"Answer the user's questions clearly and politely, and format code in markdown."

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.Provider == "" {
		c.BasicConfig.Provider = "openai"
	}
	if c.BasicConfig.SystemPrompt == "" {
		c.BasicConfig.SystemPrompt = defaultSystemPrompt
	}
	if c.BasicConfig.PublicBaseURL == "" {
		c.BasicConfig.PublicBaseURL = "http://localhost:8090"
	}
	if c.BasicConfig.UploadDir == "" {
		c.BasicConfig.UploadDir = "./data/uploads"
	}
	if c.BasicConfig.StreamTimeoutSec <= 0 {
		c.BasicConfig.StreamTimeoutSec = 30
	}
	if c.BasicConfig.CacheTTLSec <= 0 {
		c.BasicConfig.CacheTTLSec = 30
	}
}

// applyEnvOverrides fills provider API keys from CHATRELAY_<PROVIDER>_API_KEY
// when the config file leaves them empty.
func (c *Config) applyEnvOverrides() {
	for name, prov := range c.Providers {
		if prov.APIKey != "" {
			continue
		}
		envKey := "CHATRELAY_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			prov.APIKey = v
			c.Providers[name] = prov
		}
	}
}

// StreamTimeout returns the hard ceiling on a chat request's lifetime.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.BasicConfig.StreamTimeoutSec) * time.Second
}

// CacheTTL returns how long cached conversation listings stay valid.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.BasicConfig.CacheTTLSec) * time.Second
}
