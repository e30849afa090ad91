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
const DefaultConfigFile = "pinchwork.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
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
	setString(&cfg.Server.Port, "PINCHWORK_PORT")
	setString(&cfg.Server.CORSOrigin, "PINCHWORK_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PINCHWORK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PINCHWORK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PINCHWORK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PINCHWORK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PINCHWORK_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "PINCHWORK_NATS_STREAM")
	setString(&cfg.Logging.Level, "PINCHWORK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PINCHWORK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PINCHWORK_LOG_ASYNC")
	setFloat64(&cfg.Rate.RequestsPerSecond, "PINCHWORK_RATE_RPS")
	setInt(&cfg.Rate.Burst, "PINCHWORK_RATE_BURST")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.MCP.Enabled, "PINCHWORK_MCP_ENABLED")
	setString(&cfg.MCP.Port, "PINCHWORK_MCP_PORT")
	setString(&cfg.MCP.GatewayKey, "PINCHWORK_MCP_GATEWAY_KEY")

	setInt64(&cfg.Market.InitialCredits, "PINCHWORK_INITIAL_CREDITS")
	setFloat64(&cfg.Market.FeeRate, "PINCHWORK_FEE_RATE")
	setString(&cfg.Market.PlatformAgentID, "PINCHWORK_PLATFORM_AGENT_ID")
	setDuration(&cfg.Market.ReviewWindow, "PINCHWORK_REVIEW_WINDOW")
	setDuration(&cfg.Market.DeliveryWindow, "PINCHWORK_DELIVERY_WINDOW")
	setDuration(&cfg.Market.SystemReviewWindow, "PINCHWORK_SYSTEM_REVIEW_WINDOW")
	setDuration(&cfg.Market.MatchTimeout, "PINCHWORK_MATCH_TIMEOUT")
	setDuration(&cfg.Market.TaskExpiry, "PINCHWORK_TASK_EXPIRY")
	setDuration(&cfg.Market.ReaperInterval, "PINCHWORK_REAPER_INTERVAL")
	setInt(&cfg.Market.MaxRejections, "PINCHWORK_MAX_REJECTIONS")
	setInt(&cfg.Market.MaxAbandonsBeforeCooldown, "PINCHWORK_MAX_ABANDONS")
	setDuration(&cfg.Market.AbandonCooldown, "PINCHWORK_ABANDON_COOLDOWN")
	setInt64(&cfg.Market.MatchCredits, "PINCHWORK_MATCH_CREDITS")
	setInt64(&cfg.Market.VerifyCredits, "PINCHWORK_VERIFY_CREDITS")
	setInt64(&cfg.Market.CapabilityCredits, "PINCHWORK_CAPABILITY_CREDITS")
	setInt(&cfg.Market.MaxExtractedTags, "PINCHWORK_MAX_EXTRACTED_TAGS")
	setDuration(&cfg.Market.MaxWait, "PINCHWORK_MAX_WAIT")
}

// validate checks that required fields are set and numeric bounds hold.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Market.InitialCredits < 0 {
		return errors.New("market.initial_credits must be >= 0")
	}
	if cfg.Market.FeeRate < 0 || cfg.Market.FeeRate > 0.5 {
		return errors.New("market.fee_rate must be in [0, 0.5]")
	}
	if cfg.Market.PlatformAgentID == "" {
		return errors.New("market.platform_agent_id is required")
	}
	if cfg.Market.MaxRejections < 1 {
		return errors.New("market.max_rejections must be >= 1")
	}
	if cfg.Market.ReaperInterval <= 0 {
		return errors.New("market.reaper_interval must be > 0")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
