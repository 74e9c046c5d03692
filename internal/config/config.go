// Package config loads process configuration from the environment,
// with an optional .env file for development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	// Listen is the gateway bind address.
	Listen string
	// Secret gates every gateway request; empty disables the gate.
	Secret string
	// DataDir holds the sqlite databases and agent file storage.
	DataDir string
	// BlueprintDir optionally holds static YAML blueprints.
	BlueprintDir string

	// Provider settings.
	APIKey  string
	APIBase string
	Model   string

	// Loop limits; zero means package defaults.
	MaxIterations    int
	MaxParallelTools int

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string

	// LogLevel is debug, info, warn, or error.
	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first, without overriding real env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config.dotenv_failed", "error", err)
	}

	cfg := &Config{
		Listen:       envOr("AGENTD_LISTEN", ":8686"),
		Secret:       os.Getenv("SECRET"),
		DataDir:      envOr("AGENTD_DATA_DIR", "./data"),
		BlueprintDir: os.Getenv("AGENTD_BLUEPRINT_DIR"),
		APIKey:       os.Getenv("LLM_API_KEY"),
		APIBase:      os.Getenv("LLM_API_BASE"),
		Model:        envOr("LLM_MODEL", "gpt-4o-mini"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envOr("AGENTD_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MaxIterations, err = envInt("AGENTD_MAX_ITERATIONS", 0); err != nil {
		return nil, err
	}
	if cfg.MaxParallelTools, err = envInt("AGENTD_MAX_PARALLEL_TOOLS", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
