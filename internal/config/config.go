// ABOUTME: Configuration loading and parsing for the baton conductor.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batonhq/baton/internal/template"
)

// Config represents the complete conductor configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Auth      AuthConfig          `yaml:"auth"`
	Data      DataConfig          `yaml:"data"`
	Queue     QueueConfig         `yaml:"queue"`
	Agents    AgentsConfig        `yaml:"agents"`
	Templates []template.Template `yaml:"templates"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the WebSocket listener configuration.
type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// connection auth entirely.
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// DataConfig holds on-disk state locations.
type DataConfig struct {
	Dir     string `yaml:"dir"`
	Session string `yaml:"session"`
}

// QueueConfig bounds message history and log segment size.
type QueueConfig struct {
	HistoryLimit       int   `yaml:"history_limit"`
	MaxLogSegmentBytes int64 `yaml:"max_log_segment_bytes"`
}

// AgentsConfig holds agent process and timing configuration.
type AgentsConfig struct {
	DefaultCommand string   `yaml:"default_command"`
	DefaultArgs    []string `yaml:"default_args"`
	MaxAgents      int      `yaml:"max_agents"`

	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values. Fields left unset
// receive defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Data.Dir == "" {
		c.Data.Dir = ".baton"
	}
	if c.Data.Session == "" {
		c.Data.Session = "default"
	}
	if c.Queue.HistoryLimit == 0 {
		c.Queue.HistoryLimit = 1000
	}
	if c.Queue.MaxLogSegmentBytes == 0 {
		c.Queue.MaxLogSegmentBytes = 1 << 20
	}
	if c.Agents.MaxAgents == 0 {
		c.Agents.MaxAgents = 16
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 30 * time.Second
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = 90 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration is internally consistent. Returns
// an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Agents.MaxAgents < 1 {
		return fmt.Errorf("agents.max_agents must be at least 1")
	}
	if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must not be shorter than heartbeat_interval")
	}
	for i, tpl := range c.Templates {
		if tpl.ID == "" {
			return fmt.Errorf("templates[%d] is missing an id", i)
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatIntervalRaw != "" {
		cfg.Agents.HeartbeatInterval, err = time.ParseDuration(cfg.Agents.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Agents.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Agents.HeartbeatTimeoutRaw != "" {
		cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
		}
	}

	return nil
}
