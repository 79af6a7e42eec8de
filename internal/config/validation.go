package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.APIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.MaxResultRows < 1 || c.MaxResultRows > 1000 {
		return fmt.Errorf("%w: must be between 1 and 1000, got %d", ErrInvalidRowCap, c.MaxResultRows)
	}

	if c.MaxModelCalls < 1 || c.MaxModelCalls > 64 {
		return fmt.Errorf("%w: must be between 1 and 64, got %d", ErrInvalidModelCallCap, c.MaxModelCalls)
	}

	switch c.CheckpointBackend {
	case BackendMemory:
	case BackendFile:
		if c.CheckpointDir == "" {
			return fmt.Errorf("%w: checkpoint_dir is required for the file backend", ErrInvalidBackend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: set DATABASE_URL for the postgres backend", ErrMissingDatabaseURL)
		}
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			return fmt.Errorf("%w: database_url must be a postgres:// URL", ErrMissingDatabaseURL)
		}
	default:
		return fmt.Errorf("%w: %q (expected memory, file, or postgres)", ErrInvalidBackend, c.CheckpointBackend)
	}

	if c.EnableChartTools && strings.TrimSpace(c.ChartCommand) == "" {
		return fmt.Errorf("%w: chart_command is required when chart tools are enabled", ErrInvalidChartCommand)
	}

	if c.RatePerSecond <= 0 {
		return fmt.Errorf("%w: rate_per_second must be positive, got %v", ErrInvalidRateLimit, c.RatePerSecond)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("%w: rate_burst must be at least 1, got %d", ErrInvalidRateLimit, c.RateBurst)
	}

	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("%w: %q (expected one of %v)", ErrInvalidLogLevel, c.LogLevel, validLogLevels)
	}

	return nil
}
