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
const DefaultConfigFile = "taskforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path can be overridden with TASKFORGE_CONFIG; a missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("TASKFORGE_CONFIG"); p != "" {
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
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
	setString(&cfg.Server.Port, "TASKFORGE_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "TASKFORGE_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "TASKFORGE_REQUEST_TIMEOUT")
	setString(&cfg.Store, "TASKFORGE_STORE")
	setString(&cfg.Queue, "TASKFORGE_QUEUE")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TASKFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TASKFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TASKFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TASKFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TASKFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "TASKFORGE_NATS_STREAM")
	setString(&cfg.NATS.Consumer, "TASKFORGE_NATS_CONSUMER")
	setDuration(&cfg.NATS.AckWait, "TASKFORGE_NATS_ACK_WAIT")
	setInt(&cfg.NATS.MaxDeliver, "TASKFORGE_NATS_MAX_DELIVER")

	setString(&cfg.Logging.Level, "TASKFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TASKFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TASKFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "TASKFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TASKFORGE_BREAKER_TIMEOUT")

	// Orchestrator
	setInt(&cfg.Orchestrator.MaxRetries, "TASKFORGE_MAX_RETRIES")
	setDuration(&cfg.Orchestrator.BaseDelay, "TASKFORGE_RETRY_BASE_DELAY")
	setDuration(&cfg.Orchestrator.MaxDelay, "TASKFORGE_RETRY_MAX_DELAY")
	setInt(&cfg.Orchestrator.ConflictRetries, "TASKFORGE_CONFLICT_RETRIES")
	setInt(&cfg.Orchestrator.PublishRetries, "TASKFORGE_PUBLISH_RETRIES")
	setDuration(&cfg.Orchestrator.ReconcileInterval, "TASKFORGE_RECONCILE_INTERVAL")
	setDuration(&cfg.Orchestrator.RedispatchAfter, "TASKFORGE_REDISPATCH_AFTER")
	setDuration(&cfg.Orchestrator.HeartbeatTimeout, "TASKFORGE_HEARTBEAT_TIMEOUT")
	setInt(&cfg.Orchestrator.MaxSubstituteHops, "TASKFORGE_MAX_SUBSTITUTE_HOPS")

	setInt(&cfg.Budget.MaxChargeRetries, "TASKFORGE_BUDGET_MAX_CHARGE_RETRIES")

	// Sandbox
	setString(&cfg.Sandbox.Image, "TASKFORGE_SANDBOX_IMAGE")
	setInt(&cfg.Sandbox.MemoryMB, "TASKFORGE_SANDBOX_MEMORY_MB")
	setInt(&cfg.Sandbox.CPUQuota, "TASKFORGE_SANDBOX_CPU_QUOTA")
	setInt(&cfg.Sandbox.PidsLimit, "TASKFORGE_SANDBOX_PIDS_LIMIT")
	setString(&cfg.Sandbox.NetworkMode, "TASKFORGE_SANDBOX_NETWORK")
	setString(&cfg.Sandbox.User, "TASKFORGE_SANDBOX_USER")
	setBool(&cfg.Sandbox.ReadOnly, "TASKFORGE_SANDBOX_READ_ONLY")
	setDuration(&cfg.Sandbox.PollInterval, "TASKFORGE_SANDBOX_POLL_INTERVAL")
	setInt(&cfg.Sandbox.PollAttempts, "TASKFORGE_SANDBOX_POLL_ATTEMPTS")
	setInt(&cfg.Sandbox.MaxConcurrent, "TASKFORGE_SANDBOX_MAX_CONCURRENT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "TASKFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "TASKFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "TASKFORGE_CACHE_TTL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "TASKFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "TASKFORGE_OTEL_INSECURE")

	// Notifications
	setString(&cfg.Notify.SlackWebhookURL, "TASKFORGE_SLACK_WEBHOOK_URL")
	setString(&cfg.Notify.DiscordWebhookURL, "TASKFORGE_DISCORD_WEBHOOK_URL")
	setString(&cfg.Notify.SMTP.Host, "TASKFORGE_SMTP_HOST")
	setInt(&cfg.Notify.SMTP.Port, "TASKFORGE_SMTP_PORT")
	setString(&cfg.Notify.SMTP.From, "TASKFORGE_SMTP_FROM")
	setString(&cfg.Notify.SMTP.Password, "TASKFORGE_SMTP_PASSWORD")
	setList(&cfg.Notify.SMTP.To, "TASKFORGE_SMTP_TO")
	setList(&cfg.Notify.EnabledEvents, "TASKFORGE_NOTIFY_EVENTS")

	// Agent worker
	setString(&cfg.Agent.Alias, "TASKFORGE_AGENT_ALIAS")
	setList(&cfg.Agent.Capabilities, "TASKFORGE_AGENT_CAPABILITIES")
	setDuration(&cfg.Agent.HeartbeatInterval, "TASKFORGE_AGENT_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Agent.PollInterval, "TASKFORGE_AGENT_POLL_INTERVAL")
	setDuration(&cfg.Agent.ExecTimeout, "TASKFORGE_AGENT_EXEC_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store {
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.Store)
	}
	switch cfg.Queue {
	case BackendNATS:
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
		if cfg.NATS.MaxDeliver < 1 {
			return errors.New("nats.max_deliver must be >= 1")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("queue must be %q or %q, got %q", BackendNATS, BackendMemory, cfg.Queue)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Orchestrator.MaxRetries < 1 {
		return errors.New("orchestrator.max_retries must be >= 1")
	}
	if cfg.Orchestrator.BaseDelay <= 0 || cfg.Orchestrator.MaxDelay < cfg.Orchestrator.BaseDelay {
		return errors.New("orchestrator.base_delay must be > 0 and <= max_delay")
	}
	if cfg.Orchestrator.ConflictRetries < 1 {
		return errors.New("orchestrator.conflict_retries must be >= 1")
	}
	if cfg.Sandbox.PollAttempts < 1 || cfg.Sandbox.PollInterval <= 0 {
		return errors.New("sandbox.poll_attempts and sandbox.poll_interval must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
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
