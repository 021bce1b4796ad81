// Package config handles todo-agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/todo-agent/config.yaml, /etc/todo-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "todo-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/todo-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all todo-agent configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Agent    AgentConfig    `yaml:"agent"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig defines SQLite storage settings. Tasks and
// conversations live in the same database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig defines session token verification settings.
// The secret is shared with the identity provider that issues tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// OpenAIConfig defines the reasoning service connection.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"` // Default: https://api.openai.com/v1
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"` // Default: gpt-4o-mini
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	// MaxIterations caps model round trips within one turn (default 6).
	MaxIterations int `yaml:"max_iterations"`
	// TurnTimeoutSec is the wall-clock budget for a full turn (default 30).
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
	// LLMRetries is the number of retries after a transient reasoning
	// service failure (default 2).
	LLMRetries int `yaml:"llm_retries"`
	// HistoryLimit caps how many prior messages are loaded into context
	// (default 50).
	HistoryLimit int `yaml:"history_limit"`
}

// MQTTConfig defines the optional task-event broker mirror.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // Default: todo
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: DatabaseConfig{Path: "todo-agent.db"},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Agent: AgentConfig{
			MaxIterations:  6,
			TurnTimeoutSec: 30,
			LLMRetries:     2,
			HistoryLimit:   50,
		},
		MQTT: MQTTConfig{TopicPrefix: "todo"},
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
