package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "ralph.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.CORSOrigin, "CORS_ORIGIN")

	setString(&cfg.Store.Root, "SESSIONS_ROOT")
	setInt(&cfg.Store.LogMaxSizeMB, "LOG_MAX_SIZE_MB")
	setInt(&cfg.Store.LogMaxFiles, "LOG_MAX_FILES")
	setDays(&cfg.Store.LogRetention, "LOG_RETENTION_DAYS")
	setInt64(&cfg.Store.CacheMaxSizeMB, "CACHE_MAX_SIZE_MB")

	setString(&cfg.Agent.Cmd, "AGENT_CMD")
	setString(&cfg.Agent.Model, "AGENT_MODEL")
	setString(&cfg.Agent.CheapModel, "AGENT_CHEAP_MODEL")
	setStringSlice(&cfg.Agent.AllowedTools, "AGENT_ALLOWED_TOOLS")

	setMillis(&cfg.Timeouts.Discovery, "STAGE_TIMEOUT_MS_DISCOVERY")
	setMillis(&cfg.Timeouts.PlanReview, "STAGE_TIMEOUT_MS_PLAN_REVIEW")
	setMillis(&cfg.Timeouts.Step, "STAGE_TIMEOUT_MS_STEP")
	setMillis(&cfg.Timeouts.PRCreation, "STAGE_TIMEOUT_MS_PR_CREATION")
	setMillis(&cfg.Timeouts.PRReview, "STAGE_TIMEOUT_MS_PR_REVIEW")
	setMillis(&cfg.Timeouts.PostProcess, "STAGE_TIMEOUT_MS_POSTPROCESS")

	setMillis(&cfg.Retry.MinIdle, "RETRY_MIN_IDLE_MS")
	setMillis(&cfg.Retry.Cooldown, "RETRY_COOLDOWN_MS")

	setInt(&cfg.Limits.ReplanMax, "REPLAN_MAX")
	setInt(&cfg.Limits.PRCreationMax, "PR_CREATION_MAX")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Service, "LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "BREAKER_MAX_FAILURES")
	setMillis(&cfg.Breaker.Timeout, "BREAKER_TIMEOUT_MS")

	setInt(&cfg.Bus.SubscriberBuffer, "WS_BUFFER")
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port must not be empty")
	}
	if cfg.Store.Root == "" {
		return errors.New("sessions root must not be empty")
	}
	if cfg.Store.LogMaxSizeMB <= 0 || cfg.Store.LogMaxFiles <= 0 {
		return errors.New("log rotation thresholds must be positive")
	}
	if cfg.Agent.Cmd == "" {
		return errors.New("agent command must not be empty")
	}
	if cfg.Limits.ReplanMax <= 0 || cfg.Limits.PRCreationMax <= 0 {
		return errors.New("pipeline caps must be positive")
	}
	if cfg.Bus.SubscriberBuffer < 64 {
		cfg.Bus.SubscriberBuffer = 64
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// setMillis reads an integer millisecond env value into a duration.
func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// setDays reads an integer day-count env value into a duration.
func setDays(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * 24 * time.Hour
		}
	}
}
