// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output, rotated by lumberjack. Disabled when LogFile is empty.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig controls the HTTP/websocket API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the task lifecycle store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// BrowserConfig controls the chromedp automation agent.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// UserAgent overrides the browser's default UA on every session.
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// ArtifactsDir is where state snapshots (screenshots) are archived.
	ArtifactsDir string `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
}

// LLMConfig configures the generative model provider.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"` // "gemini"
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	// RequestsPerMinute bounds planner/verifier call volume. 0 disables the
	// limiter.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// EngineConfig tunes the plan/execute loop.
type EngineConfig struct {
	// StepCeiling is the maximum number of planner-directed actions per
	// task before forced finalization.
	StepCeiling int `mapstructure:"step_ceiling" yaml:"step_ceiling"`
	// MaxTaskDuration is the per-task wall-clock budget. 0 disables it.
	MaxTaskDuration time.Duration `mapstructure:"max_task_duration" yaml:"max_task_duration"`
	// MaxUnknownStreak finalizes a task early after N consecutive unknown
	// verification verdicts. 0 disables the threshold.
	MaxUnknownStreak int `mapstructure:"max_unknown_streak" yaml:"max_unknown_streak"`

	// Retry policy applied by the backoff executor around external calls.
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
}

// SessionsConfig tunes the session registry janitor.
type SessionsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxIdleAge    time.Duration `mapstructure:"max_idle_age" yaml:"max_idle_age"`
}

// Load reads configuration from the given file (or the default search
// paths), layers TASKPILOT_* environment variables on top, and applies
// defaults and validation.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".taskpilot"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TASKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults plus env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "taskpilot")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("server.listen", ":8480")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("store.driver", "memory")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.action_timeout", 20*time.Second)
	v.SetDefault("browser.artifacts_dir", "artifacts")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.api_timeout", 90*time.Second)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_minute", 60)

	v.SetDefault("engine.step_ceiling", 10)
	v.SetDefault("engine.max_task_duration", 30*time.Minute)
	v.SetDefault("engine.max_unknown_streak", 0)
	v.SetDefault("engine.retry_max_attempts", 3)
	v.SetDefault("engine.retry_base_delay", time.Second)

	v.SetDefault("sessions.sweep_interval", time.Minute)
	v.SetDefault("sessions.max_idle_age", 10*time.Minute)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Engine.StepCeiling <= 0 {
		return fmt.Errorf("engine.step_ceiling must be positive, got %d", c.Engine.StepCeiling)
	}
	if c.Engine.RetryMaxAttempts <= 0 {
		return fmt.Errorf("engine.retry_max_attempts must be positive, got %d", c.Engine.RetryMaxAttempts)
	}
	if c.Engine.RetryBaseDelay < 0 {
		return fmt.Errorf("engine.retry_base_delay must not be negative")
	}
	if c.Engine.MaxTaskDuration < 0 {
		return fmt.Errorf("engine.max_task_duration must not be negative")
	}
	return nil
}
