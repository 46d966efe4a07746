// Package config provides configuration loading, validation, and management
// for the Haven chat service. It reads an optional YAML file, applies
// HAVEN_* environment overrides on top of defaults, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	errs "github.com/edgard/haven/internal/errors"
)

// Config defines the application configuration parameters for all components.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Responder ResponderConfig `mapstructure:"responder"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig controls the slog handler.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig points at the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=5m"`
}

// ChatConfig holds the conversation engine settings.
type ChatConfig struct {
	BotDisplayName   string        `mapstructure:"bot_display_name"   validate:"required"`
	BotPhotoURL      string        `mapstructure:"bot_photo_url"      validate:"omitempty,url"`
	MaxMessageLength int           `mapstructure:"max_message_length" validate:"min=1,max=65536"`
	HistoryPageSize  int           `mapstructure:"history_page_size"  validate:"min=1,max=500"`
	ReadRetries      int           `mapstructure:"read_retries"       validate:"min=0,max=10"`
	ReadRetryDelay   time.Duration `mapstructure:"read_retry_delay"   validate:"max=10s"`
	ResponderFailure string        `mapstructure:"responder_failure"  validate:"required"`
}

// ResponderConfig bounds calls to the text-completion backend.
type ResponderConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"            validate:"min=1s,max=10m"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"    validate:"gt=0"`
	Burst            int           `mapstructure:"burst"              validate:"min=1"`
	MaxFailures      int           `mapstructure:"max_failures"       validate:"min=1"`
	BreakerResetTime time.Duration `mapstructure:"breaker_reset_time" validate:"min=1s"`
}

// GeminiConfig configures the Gemini completion backend. An empty APIKey
// disables the backend and every bot turn is reported as a responder failure.
type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	ModelName         string  `mapstructure:"model_name"          validate:"required"`
	Temperature       float32 `mapstructure:"temperature"         validate:"min=0,max=2"`
	SystemInstruction string  `mapstructure:"system_instruction"`
	MaxRetries        int     `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=0,max=60"`
}

// SchedulerConfig lists the background tasks keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig enables a task and sets its cron schedule (seconds field allowed).
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

var defaults = map[string]any{
	"logger.level": "info",
	"logger.json":  true,

	"database.path": "haven.db",

	"server.addr":             ":8080",
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    15 * time.Second,
	"server.shutdown_timeout": 10 * time.Second,

	"chat.bot_display_name":   "AI Assistant",
	"chat.bot_photo_url":      "",
	"chat.max_message_length": 4096,
	"chat.history_page_size":  50,
	"chat.read_retries":       3,
	"chat.read_retry_delay":   200 * time.Millisecond,
	"chat.responder_failure":  "The assistant could not respond. Please try again.",

	"responder.timeout":            30 * time.Second,
	"responder.rate_per_second":    5.0,
	"responder.burst":              10,
	"responder.max_failures":       5,
	"responder.breaker_reset_time": time.Minute,

	"gemini.api_key":             "",
	"gemini.model_name":          "gemini-2.0-flash",
	"gemini.temperature":         1.0,
	"gemini.system_instruction":  "You are a helpful AI assistant. Respond to the user's message.",
	"gemini.max_retries":         2,
	"gemini.retry_delay_seconds": 2,

	"scheduler.tasks.sql_maintenance.enabled":  true,
	"scheduler.tasks.sql_maintenance.schedule": "0 0 4 * * *",
	"scheduler.tasks.profile_refresh.enabled":  true,
	"scheduler.tasks.profile_refresh.schedule": "0 */30 * * * *",
}

// LoadConfig reads configuration from the YAML file at path (a missing file is
// not an error), applies HAVEN_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("HAVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, errs.NewConfigError(fmt.Sprintf("failed to read config file %s", path), err)
			}
			slog.Info("Configuration file not found, using defaults and environment", "path", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.NewConfigError("failed to parse configuration", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	slog.Debug("Configuration loaded",
		"log_level", cfg.Logger.Level,
		"db_path", cfg.Database.Path,
		"server_addr", cfg.Server.Addr,
		"gemini_model", cfg.Gemini.ModelName,
		"gemini_enabled", cfg.Gemini.APIKey != "")

	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errs.NewConfigError("configuration validation failed", err)
	}
	return nil
}
