// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, DIALECT_ prefix)
//  2. Config file (~/.dialect/config.yaml)
//  3. Default values
//
// Error handling uses sentinel errors so callers can check with errors.Is().
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the Gemini API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidRowCap indicates the result row cap is out of range.
	ErrInvalidRowCap = errors.New("invalid result row cap")

	// ErrInvalidModelCallCap indicates the per-turn model call cap is out of range.
	ErrInvalidModelCallCap = errors.New("invalid model call cap")

	// ErrInvalidBackend indicates the checkpoint backend is not supported.
	ErrInvalidBackend = errors.New("invalid checkpoint backend")

	// ErrMissingDatabaseURL indicates the postgres backend lacks a connection URL.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrInvalidChartCommand indicates chart tools are enabled without a command.
	ErrInvalidChartCommand = errors.New("invalid chart command")

	// ErrInvalidRateLimit indicates the rate limit settings are out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Checkpoint backend identifiers used in Config.CheckpointBackend.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config stores the application configuration.
type Config struct {
	// Model configuration. The API key is sourced from the GEMINI_API_KEY
	// environment variable only, never from the config file.
	ModelName string `mapstructure:"model_name"`
	APIKey    string `mapstructure:"-"`

	// SQL toolkit configuration.
	DatabasePath  string `mapstructure:"database_path"`
	MaxResultRows int    `mapstructure:"max_result_rows"`

	// Orchestration.
	MaxModelCalls int `mapstructure:"max_model_calls"`

	// Optional builtin tools.
	EnableDownloadTool bool `mapstructure:"enable_download_tool"`

	// External chart tools over MCP stdio. Disabled unless enabled; the
	// default command runs the AntV chart server via npx.
	EnableChartTools bool     `mapstructure:"enable_chart_tools"`
	ChartCommand     string   `mapstructure:"chart_command"`
	ChartArgs        []string `mapstructure:"chart_args"`

	// Checkpoint persistence: memory, file, or postgres.
	CheckpointBackend string `mapstructure:"checkpoint_backend"`
	CheckpointDir     string `mapstructure:"checkpoint_dir"`
	DatabaseURL       string `mapstructure:"database_url"`

	// HTTP server.
	HTTPAddr      string  `mapstructure:"http_addr"`
	TrustProxy    bool    `mapstructure:"trust_proxy"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Tracing via OTLP/HTTP.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".dialect")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	cfg.APIKey = os.Getenv("GEMINI_API_KEY")

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("model_name", "googleai/gemini-2.5-flash")

	viper.SetDefault("database_path", "./data/chinook.db")
	viper.SetDefault("max_result_rows", 10)
	viper.SetDefault("max_model_calls", 8)

	viper.SetDefault("enable_download_tool", false)
	viper.SetDefault("enable_chart_tools", false)
	viper.SetDefault("chart_command", "npx")
	viper.SetDefault("chart_args", []string{"-y", "@antv/mcp-server-chart"})

	viper.SetDefault("checkpoint_backend", BackendMemory)
	viper.SetDefault("checkpoint_dir", "")

	viper.SetDefault("http_addr", "127.0.0.1:3400")
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_per_second", 5.0)
	viper.SetDefault("rate_burst", 10)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.service_name", "dialect")
	viper.SetDefault("tracing.environment", "dev")
}

// bindEnvVariables wires environment overrides. All settings accept a
// DIALECT_ prefixed variable; DATABASE_URL is also honored unprefixed for
// compatibility with hosting platforms.
func bindEnvVariables() {
	viper.SetEnvPrefix("DIALECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database_url", "DATABASE_URL", "DIALECT_DATABASE_URL")
}
