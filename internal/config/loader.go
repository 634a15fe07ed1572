package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "roundtable.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("ROUNDTABLE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
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
	setString(&cfg.Server.Port, "ROUNDTABLE_PORT")
	setString(&cfg.Server.CORSOrigin, "ROUNDTABLE_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "ROUNDTABLE_SHUTDOWN_TIMEOUT")
	setString(&cfg.Storage.Driver, "ROUNDTABLE_STORAGE_DRIVER")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ROUNDTABLE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ROUNDTABLE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ROUNDTABLE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ROUNDTABLE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ROUNDTABLE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.MasterKeyFile, "ROUNDTABLE_LLM_KEY_FILE")
	setString(&cfg.LiteLLM.Model, "ROUNDTABLE_LLM_MODEL")
	setDuration(&cfg.LiteLLM.Timeout, "ROUNDTABLE_LLM_TIMEOUT")
	setString(&cfg.Logging.Level, "ROUNDTABLE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ROUNDTABLE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "ROUNDTABLE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "ROUNDTABLE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ROUNDTABLE_BREAKER_TIMEOUT")

	// Scheduler
	setDuration(&cfg.Scheduler.StaleRunTimeout, "ROUNDTABLE_STALE_RUN_TIMEOUT")
	setInt(&cfg.Scheduler.MaxAutoRounds, "ROUNDTABLE_MAX_AUTO_ROUNDS")
	setInt(&cfg.Scheduler.MaxCopilotSteps, "ROUNDTABLE_MAX_COPILOT_STEPS")
	setInt(&cfg.Scheduler.HistoryWindow, "ROUNDTABLE_HISTORY_WINDOW")

	// Worker
	setBool(&cfg.Worker.Enabled, "ROUNDTABLE_WORKER_ENABLED")
	setInt(&cfg.Worker.Concurrency, "ROUNDTABLE_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.PollInterval, "ROUNDTABLE_WORKER_POLL_INTERVAL")
	setDuration(&cfg.Worker.HeartbeatInterval, "ROUNDTABLE_HEARTBEAT_INTERVAL")

	// Forker
	setInt(&cfg.Forker.AsyncThreshold, "ROUNDTABLE_FORK_ASYNC_THRESHOLD")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "ROUNDTABLE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.PreviewTTL, "ROUNDTABLE_CACHE_PREVIEW_TTL")
	setString(&cfg.Cache.L2Bucket, "ROUNDTABLE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "ROUNDTABLE_CACHE_L2_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "ROUNDTABLE_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "ROUNDTABLE_OTEL_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", cfg.Storage.Driver)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Scheduler.StaleRunTimeout <= 0 {
		return errors.New("scheduler.stale_run_timeout must be > 0")
	}
	if cfg.Scheduler.MaxAutoRounds < 1 {
		return errors.New("scheduler.max_auto_rounds must be >= 1")
	}
	if cfg.Scheduler.MaxCopilotSteps < 1 {
		return errors.New("scheduler.max_copilot_steps must be >= 1")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Worker.HeartbeatInterval <= 0 || cfg.Worker.HeartbeatInterval >= cfg.Scheduler.StaleRunTimeout {
		return errors.New("worker.heartbeat_interval must be > 0 and below scheduler.stale_run_timeout")
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Forker.AsyncThreshold < 0 {
		return errors.New("forker.async_threshold must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
