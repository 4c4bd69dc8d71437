package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	EngineModeLocal  = "local"
	EngineModeRemote = "remote"
)

// Config contains all runtime settings for the agentdesk service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	EngineMode           string
	EngineURL            string
	EngineEventsURL      string
	EngineRequestTimeout time.Duration
	EngineMaxIterations  int
	EngineStepDelay      time.Duration

	DatabaseURL string
	SQLitePath  string

	EventLogLimit int
	ReloadTimeout time.Duration
}

// fileConfig is the YAML overlay read from APP_CONFIG_FILE. Durations are
// Go duration strings.
type fileConfig struct {
	BindAddr         string `yaml:"bind_addr"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Engine struct {
		Mode           string `yaml:"mode"`
		URL            string `yaml:"url"`
		EventsURL      string `yaml:"events_url"`
		RequestTimeout string `yaml:"request_timeout"`
		MaxIterations  *int   `yaml:"max_iterations"`
		StepDelay      string `yaml:"step_delay"`
	} `yaml:"engine"`

	Storage struct {
		DatabaseURL string  `yaml:"database_url"`
		SQLitePath  *string `yaml:"sqlite_path"`
	} `yaml:"storage"`

	EventLogLimit *int   `yaml:"event_log_limit"`
	ReloadTimeout string `yaml:"reload_timeout"`
}

func defaults() Config {
	return Config{
		BindAddr:             ":8080",
		ShutdownTimeout:      15 * time.Second,
		MetricsNamespace:     "agentdesk",
		LogLevel:             "info",
		LogFormat:            "json",
		EngineMode:           EngineModeLocal,
		EngineRequestTimeout: 15 * time.Second,
		EngineMaxIterations:  12,
		EngineStepDelay:      25 * time.Millisecond,
		SQLitePath:           "agentdesk.db",
		EventLogLimit:        500,
		ReloadTimeout:        10 * time.Second,
	}
}

// Load applies the optional APP_CONFIG_FILE overlay to the defaults, then
// environment variables on top of that.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.EngineMode = strings.ToLower(envOrDefault("ENGINE_MODE", cfg.EngineMode))
	cfg.EngineURL = envOrDefault("ENGINE_URL", cfg.EngineURL)
	cfg.EngineEventsURL = envOrDefault("ENGINE_EVENTS_URL", cfg.EngineEventsURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	if v, ok := os.LookupEnv("SQLITE_PATH"); ok {
		// An explicitly empty path disables SQLite.
		cfg.SQLitePath = strings.TrimSpace(v)
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.EngineRequestTimeout, err = durationFromEnv("ENGINE_REQUEST_TIMEOUT", cfg.EngineRequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EngineMaxIterations, err = intFromEnv("ENGINE_MAX_ITERATIONS", cfg.EngineMaxIterations); err != nil {
		return Config{}, err
	}
	if cfg.EngineStepDelay, err = durationFromEnv("ENGINE_STEP_DELAY", cfg.EngineStepDelay); err != nil {
		return Config{}, err
	}
	if cfg.EventLogLimit, err = intFromEnv("EVENT_LOG_LIMIT", cfg.EventLogLimit); err != nil {
		return Config{}, err
	}
	if cfg.ReloadTimeout, err = durationFromEnv("RELOAD_TIMEOUT", cfg.ReloadTimeout); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.EngineMode {
	case EngineModeLocal:
	case EngineModeRemote:
		if strings.TrimSpace(c.EngineURL) == "" {
			return fmt.Errorf("ENGINE_URL is required when ENGINE_MODE=remote")
		}
	default:
		return fmt.Errorf("ENGINE_MODE must be %q or %q, got %q", EngineModeLocal, EngineModeRemote, c.EngineMode)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	if c.EngineRequestTimeout <= 0 {
		return fmt.Errorf("ENGINE_REQUEST_TIMEOUT must be positive")
	}
	if c.EngineMaxIterations <= 0 {
		return fmt.Errorf("ENGINE_MAX_ITERATIONS must be positive")
	}
	if c.EngineStepDelay < 0 {
		return fmt.Errorf("ENGINE_STEP_DELAY must be >= 0")
	}
	if c.EventLogLimit <= 0 {
		return fmt.Errorf("EVENT_LOG_LIMIT must be positive")
	}
	if c.ReloadTimeout <= 0 {
		return fmt.Errorf("RELOAD_TIMEOUT must be positive")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.EngineMode, strings.ToLower(fc.Engine.Mode))
	setString(&cfg.EngineURL, fc.Engine.URL)
	setString(&cfg.EngineEventsURL, fc.Engine.EventsURL)
	setString(&cfg.DatabaseURL, fc.Storage.DatabaseURL)
	if fc.Storage.SQLitePath != nil {
		cfg.SQLitePath = strings.TrimSpace(*fc.Storage.SQLitePath)
	}
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.Engine.MaxIterations != nil {
		cfg.EngineMaxIterations = *fc.Engine.MaxIterations
	}
	if fc.EventLogLimit != nil {
		cfg.EventLogLimit = *fc.EventLogLimit
	}

	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"engine.request_timeout", fc.Engine.RequestTimeout, &cfg.EngineRequestTimeout},
		{"engine.step_delay", fc.Engine.StepDelay, &cfg.EngineStepDelay},
		{"reload_timeout", fc.ReloadTimeout, &cfg.ReloadTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file %s: %s parse error: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
