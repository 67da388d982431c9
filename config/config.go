// Package config loads engine configuration: defaults, then an optional
// YAML file, then FLOWLINE_-prefixed environment overrides, in that order
// of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Engine     EngineConfig     `yaml:"engine"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// EngineConfig tunes the executor.
type EngineConfig struct {
	EventBuffer      int    `yaml:"event_buffer"`
	SkipValidation   bool   `yaml:"skip_validation"`
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of memory, file, redis.
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis checkpoint backend.
type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

// Duration is a time.Duration that YAML decodes from "30s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			EventBuffer:      64,
			MetricsNamespace: "flowline",
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     ".flowline/checkpoints",
			Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "flowline:"},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWLINE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FLOWLINE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("FLOWLINE_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.EventBuffer = n
		}
	}
	if v := os.Getenv("FLOWLINE_SKIP_VALIDATION"); v != "" {
		c.Engine.SkipValidation = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWLINE_CHECKPOINT_BACKEND"); v != "" {
		c.Checkpoint.Backend = v
	}
	if v := os.Getenv("FLOWLINE_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
	if v := os.Getenv("FLOWLINE_REDIS_ADDR"); v != "" {
		c.Checkpoint.Redis.Addr = v
	}
	if v := os.Getenv("FLOWLINE_REDIS_PASSWORD"); v != "" {
		c.Checkpoint.Redis.Password = v
	}
	if v := os.Getenv("FLOWLINE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Checkpoint.Redis.DB = n
		}
	}
	if v := os.Getenv("FLOWLINE_REDIS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Checkpoint.Redis.TTL = Duration(d)
		}
	}
}

func (c *Config) validate() error {
	switch c.Checkpoint.Backend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q (expected memory, file or redis)", c.Checkpoint.Backend)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (expected json or console)", c.Log.Format)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// BuildLogger constructs a zap logger per the log configuration.
func (c *LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q", c.Level)
	}

	zcfg := zap.NewProductionConfig()
	if c.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
