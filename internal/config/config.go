// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Artifact directory keys. Each may be overridden with KENSA_<KEY>; unset
// keys resolve to a sibling directory under DataRoot.
const (
	KeyRunners             = "RUNNERS"
	KeyDatabases           = "DATABASES"
	KeyDatasets            = "DATASETS"
	KeyConnectors          = "CONNECTORS"
	KeyConnectorsEndpoints = "CONNECTORS_ENDPOINTS"
	KeyAttackModules       = "ATTACK_MODULES"
	KeyContextStrategy     = "CONTEXT_STRATEGY"
	KeyCookbooks           = "COOKBOOKS"
	KeyMetrics             = "METRICS"
	KeyPromptTemplates     = "PROMPT_TEMPLATES"
	KeyRecipes             = "RECIPES"
	KeyResults             = "RESULTS"
	KeyIOModules           = "IO_MODULES"
	KeyRunnersModules      = "RUNNERS_MODULES"
	KeyResultsModules      = "RESULTS_MODULES"
	KeyDatabasesModules    = "DATABASES_MODULES"
)

// DirKeys lists every recognized artifact directory key.
var DirKeys = []string{
	KeyRunners, KeyDatabases, KeyDatasets, KeyConnectors, KeyConnectorsEndpoints,
	KeyAttackModules, KeyContextStrategy, KeyCookbooks, KeyMetrics, KeyPromptTemplates,
	KeyRecipes, KeyResults, KeyIOModules, KeyRunnersModules, KeyResultsModules,
	KeyDatabasesModules,
}

// Config holds all application configuration. It is built once at startup
// and passed by value; nothing mutates it afterwards.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Artifact layout.
	DataRoot string
	Dirs     map[string]string // key -> directory, one entry per DirKeys element

	// Orchestration settings.
	MaxConcurrentRuns int
	CancelDeadline    time.Duration
	ProgressBuffer    int

	// Runner backend.
	BackendURL     string
	BackendTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently replaced.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DataRoot:     envStr("KENSA_DATA_ROOT", "./kensa-data"),
		BackendURL:   strings.TrimRight(envStr("KENSA_BACKEND_URL", ""), "/"),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "kensa"),
		LogLevel:     envStr("KENSA_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("KENSA_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KENSA_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KENSA_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	maxBody, err := envInt("KENSA_MAX_REQUEST_BODY_BYTES", 10*1024*1024) // 10 MB default; datasets can be large
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.MaxConcurrentRuns, err = envInt("KENSA_MAX_CONCURRENT_RUNS", 4)
	collect(err)
	cfg.CancelDeadline, err = envDuration("KENSA_CANCEL_DEADLINE", 30*time.Second)
	collect(err)
	cfg.ProgressBuffer, err = envInt("KENSA_PROGRESS_BUFFER", 64)
	collect(err)
	cfg.BackendTimeout, err = envDuration("KENSA_BACKEND_TIMEOUT", 0)
	collect(err)
	cfg.OTELInsecure, err = envBool("KENSA_OTEL_INSECURE", false)
	collect(err)

	overrides := make(map[string]string, len(DirKeys))
	for _, key := range DirKeys {
		if v := os.Getenv("KENSA_" + key); v != "" {
			overrides[key] = v
		}
	}
	cfg.Dirs = ResolveDirs(cfg.DataRoot, overrides)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no environment is set, with
// artifacts rooted at dataRoot.
func Default(dataRoot string) Config {
	return Config{
		Port:                8080,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		MaxRequestBodyBytes: 10 * 1024 * 1024,
		DataRoot:            dataRoot,
		Dirs:                ResolveDirs(dataRoot, nil),
		MaxConcurrentRuns:   4,
		CancelDeadline:      30 * time.Second,
		ProgressBuffer:      64,
		ServiceName:         "kensa",
		LogLevel:            "info",
	}
}

// ResolveDirs maps every directory key to its location: the override when
// present, otherwise {root}/{key in lower case with dashes}.
func ResolveDirs(root string, overrides map[string]string) map[string]string {
	dirs := make(map[string]string, len(DirKeys))
	for _, key := range DirKeys {
		if v, ok := overrides[key]; ok && v != "" {
			dirs[key] = v
			continue
		}
		dirs[key] = filepath.Join(root, strings.ReplaceAll(strings.ToLower(key), "_", "-"))
	}
	return dirs
}

// Dir returns the directory for key, falling back to the default location.
func (c Config) Dir(key string) string {
	if d, ok := c.Dirs[key]; ok {
		return d
	}
	return filepath.Join(c.DataRoot, strings.ReplaceAll(strings.ToLower(key), "_", "-"))
}

// BookmarksDir is where bookmarks are kept. It has no environment key.
func (c Config) BookmarksDir() string {
	return filepath.Join(c.DataRoot, "bookmarks")
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KENSA_PORT must be between 0 and 65535"))
	}
	if c.DataRoot == "" {
		errs = append(errs, fmt.Errorf("KENSA_DATA_ROOT is required"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Errorf("KENSA_MAX_CONCURRENT_RUNS must be at least 1"))
	}
	if c.CancelDeadline <= 0 {
		errs = append(errs, fmt.Errorf("KENSA_CANCEL_DEADLINE must be positive"))
	}
	if c.ProgressBuffer < 1 {
		errs = append(errs, fmt.Errorf("KENSA_PROGRESS_BUFFER must be at least 1"))
	}
	if c.BackendTimeout < 0 {
		errs = append(errs, fmt.Errorf("KENSA_BACKEND_TIMEOUT must not be negative"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("KENSA_LOG_LEVEL must be one of debug, info, warn, error"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
