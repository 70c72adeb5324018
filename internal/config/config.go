// Package config loads engine configuration via viper: defaults, an
// optional YAML file, and CLAUDEGOD_* environment overrides.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
)

// Config is the complete engine configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Hub     HubConfig     `mapstructure:"hub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Host to bind (default: 127.0.0.1).
	Host string `mapstructure:"host"`
	// Port to listen on (default: 4742).
	Port int `mapstructure:"port"`
}

// AgentConfig controls the external agent processes.
type AgentConfig struct {
	// Command is the argv prefix used to launch phase agents.
	Command []string `mapstructure:"command"`
	// PreviewCommand is the argv for optional live-preview processes.
	PreviewCommand []string `mapstructure:"preview_command"`
}

// EngineConfig controls task storage and output retention.
type EngineConfig struct {
	// DataDir holds persisted task snapshots and the engine log
	// (default: ~/.claudegod).
	DataDir string `mapstructure:"data_dir"`
	// WorktreeRoot is where task worktrees are provisioned
	// (default: {data_dir}/worktrees).
	WorktreeRoot string `mapstructure:"worktree_root"`
	// OutputCap bounds each task's retained output records.
	OutputCap int `mapstructure:"output_cap"`
	// DisableWatcher turns off the worktree file watcher.
	DisableWatcher bool `mapstructure:"disable_watcher"`
}

// HubConfig controls the websocket broadcast layer.
type HubConfig struct {
	// PingIntervalSeconds is the heartbeat period (default: 30).
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds"`
}

// LoggingConfig controls the engine log.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `mapstructure:"level"`
	// ToStderr logs to stderr instead of {data_dir}/engine.log.
	ToStderr bool `mapstructure:"to_stderr"`
}

// DefaultDataDir returns ~/.claudegod, falling back to the working
// directory when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claudegod"
	}
	return filepath.Join(home, ".claudegod")
}

// SetDefaults registers every default with viper. Called before any config
// file or environment value is read.
func SetDefaults() {
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 4742)
	viper.SetDefault("agent.command", []string{"claude", "-p"})
	viper.SetDefault("agent.preview_command", []string{})
	viper.SetDefault("engine.data_dir", DefaultDataDir())
	viper.SetDefault("engine.worktree_root", "")
	viper.SetDefault("engine.output_cap", 1000)
	viper.SetDefault("engine.disable_watcher", false)
	viper.SetDefault("hub.ping_interval_seconds", 30)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.to_stderr", false)
}

// Load unmarshals the effective viper state into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if cfg.Engine.WorktreeRoot == "" {
		cfg.Engine.WorktreeRoot = filepath.Join(cfg.Engine.DataDir, "worktrees")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.NewValidationError("server port out of range").
			WithField("server.port").
			WithValue(c.Server.Port)
	}
	if len(c.Agent.Command) == 0 {
		return errors.NewValidationError("agent command is required").
			WithField("agent.command")
	}
	if c.Engine.OutputCap < 0 {
		return errors.NewValidationError("output cap cannot be negative").
			WithField("engine.output_cap").
			WithValue(c.Engine.OutputCap)
	}
	if c.Hub.PingIntervalSeconds <= 0 {
		return errors.NewValidationError("ping interval must be positive").
			WithField("hub.ping_interval_seconds").
			WithValue(c.Hub.PingIntervalSeconds)
	}
	if !validLogLevel(c.Logging.Level) {
		return errors.NewValidationError("unrecognized log level").
			WithField("logging.level").
			WithValue(c.Logging.Level)
	}
	return nil
}

func validLogLevel(level string) bool {
	for _, l := range logging.ValidLevels() {
		if l == level {
			return true
		}
	}
	return false
}

// PingInterval returns the heartbeat period as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Hub.PingIntervalSeconds) * time.Second
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
