package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const ownerCount = 4

// Config models kanboard.yml.
type Config struct {
	Board struct {
		ID        string   `yaml:"id" json:"id"`
		Name      string   `yaml:"name" json:"name"`
		Owners    []string `yaml:"owners" json:"owners"`
		SeedTasks int      `yaml:"seed_tasks" json:"seed_tasks"`
	} `yaml:"board" json:"board"`
	Notify struct {
		RedisAddr     string `yaml:"redis_addr" json:"redis_addr,omitempty"`
		ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix,omitempty"`
	} `yaml:"notify" json:"notify"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Board.ID == "" {
		return fmt.Errorf("config.board.id is required")
	}
	if len(c.Board.Owners) != ownerCount {
		return fmt.Errorf("config.board.owners must list exactly %d owners, got %d", ownerCount, len(c.Board.Owners))
	}
	seen := map[string]bool{}
	for i, name := range c.Board.Owners {
		if name == "" {
			return fmt.Errorf("config.board.owners[%d] is empty", i)
		}
		if seen[name] {
			return fmt.Errorf("config.board.owners has duplicate owner %s", name)
		}
		seen[name] = true
	}
	if c.Board.SeedTasks < 0 {
		return fmt.Errorf("config.board.seed_tasks must not be negative")
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.log.level %q is invalid", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "kanboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(boardID string) string {
	return fmt.Sprintf(defaultTemplate, boardID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a board. The template always
// decodes because the id is quoted.
func Default(boardID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(boardID))).Decode(&cfg)
	cfg.Board.ID = boardID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `board:
  id: %q
  name: Main board
  owners: [owner-1, owner-2, owner-3, owner-4]
  seed_tasks: 10

notify:
  redis_addr: ""
  channel_prefix: kanboard

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: text
`
