package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway process.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Broker        BrokerConfig
	Webhook       WebhookConfig
	FatFinger     FatFingerConfig
	Slicer        SlicerConfig
	Reservation   ReservationConfig
	PositionLimit PositionLimitConfig
	Modification  ModificationConfig
	Reconcile     ReconcileConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	QueryTimeout        time.Duration
	HealthCheckInterval time.Duration
}

type RedisConfig struct {
	URL             string
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// BrokerConfig controls how the gateway talks to the downstream broker and
// whether it actually submits anything at all.
type BrokerConfig struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	DryRun         bool
	CallTimeout    time.Duration
	RetryAttempts  int
	StrategyID     string
}

// WebhookConfig governs HMAC verification of inbound broker fill/status
// callbacks.
type WebhookConfig struct {
	SigningSecret  string
	MaxBodyBytes   int64
	TimestampSkew  time.Duration
}

// FatFingerConfig seeds the default thresholds. Per-symbol overrides are
// not read from the environment; they are applied at runtime through
// fatfinger.Validator.UpdateSymbolOverrides.
type FatFingerConfig struct {
	DefaultMaxNotional string
	DefaultMaxQty      int64
	DefaultMaxADVPct   string
	// MaxPriceAgeSeconds bounds how stale a cached market quote may be
	// before admission's fat-finger price lookup treats it as unavailable
	// (§4.1 gate 6).
	MaxPriceAgeSeconds int
}

// PositionLimitConfig bounds the magnitude of a symbol's signed position
// PositionReservation enforces (§4.2). DefaultMaxQty == "" means no
// default limit is enforced.
type PositionLimitConfig struct {
	DefaultMaxQty string
}

// SlicerConfig holds interval and slice-count bounds for the TWAP slicer.
// They are loaded here but not passed to twap.Plan, which does not enforce
// them.
type SlicerConfig struct {
	MinIntervalSeconds int
	MaxSlices          int
}

type ReservationConfig struct {
	TTL time.Duration
}

type ModificationConfig struct {
	LockTimeout time.Duration
}

type ReconcileConfig struct {
	StartupTimeout       time.Duration
	PeriodicInterval     time.Duration
	StalePendingInterval time.Duration
}

type ObservabilityConfig struct {
	ServiceName string
	LogLevel    string
	LogFormat   string
}

type SecurityConfig struct {
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables, applying the
// defaults a local/dry-run deployment needs to boot without any secrets
// configured.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL:                 getEnv("DATABASE_URL", ""),
			MaxOpenConns:        getIntEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:        getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime:     getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			QueryTimeout:        getDurationEnv("DB_QUERY_TIMEOUT", 30*time.Second),
			HealthCheckInterval: getDurationEnv("DB_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getIntEnv("REDIS_DB", 0),
			PoolSize:        getIntEnv("REDIS_POOL_SIZE", 20),
			MinIdleConns:    getIntEnv("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:     getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:     getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:    getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			MaxRetries:      getIntEnv("REDIS_MAX_RETRIES", 3),
			MinRetryBackoff: getDurationEnv("REDIS_MIN_RETRY_BACKOFF", 8*time.Millisecond),
			MaxRetryBackoff: getDurationEnv("REDIS_MAX_RETRY_BACKOFF", 512*time.Millisecond),
		},
		Broker: BrokerConfig{
			BaseURL:       getEnv("BROKER_BASE_URL", ""),
			APIKey:        getEnv("BROKER_API_KEY", ""),
			APISecret:     getEnv("BROKER_API_SECRET", ""),
			DryRun:        getBoolEnv("DRY_RUN", true),
			CallTimeout:   getDurationEnv("BROKER_CALL_TIMEOUT", 5*time.Second),
			RetryAttempts: getIntEnv("BROKER_RETRY_ATTEMPTS", 2),
			StrategyID:    getEnv("STRATEGY_ID", "default"),
		},
		Webhook: WebhookConfig{
			SigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),
			MaxBodyBytes:  int64(getIntEnv("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			TimestampSkew: getDurationEnv("WEBHOOK_TIMESTAMP_SKEW", 5*time.Minute),
		},
		FatFinger: FatFingerConfig{
			DefaultMaxNotional: getEnv("FATFINGER_DEFAULT_MAX_NOTIONAL", "1000000"),
			DefaultMaxQty:      int64(getIntEnv("FATFINGER_DEFAULT_MAX_QTY", 100000)),
			DefaultMaxADVPct:   getEnv("FATFINGER_DEFAULT_MAX_ADV_PCT", "0.10"),
			MaxPriceAgeSeconds: getIntEnv("FATFINGER_MAX_PRICE_AGE_SECONDS", 30),
		},
		Slicer: SlicerConfig{
			MinIntervalSeconds: getIntEnv("SLICER_MIN_INTERVAL_SECONDS", 30),
			MaxSlices:          getIntEnv("SLICER_MAX_SLICES", 200),
		},
		Reservation: ReservationConfig{
			TTL: getDurationEnv("RESERVATION_TTL", 30*time.Second),
		},
		PositionLimit: PositionLimitConfig{
			DefaultMaxQty: getEnv("POSITION_LIMIT_DEFAULT_MAX_QTY", ""),
		},
		Modification: ModificationConfig{
			LockTimeout: getDurationEnv("MODIFICATION_LOCK_TIMEOUT", 3*time.Second),
		},
		Reconcile: ReconcileConfig{
			StartupTimeout:       getDurationEnv("RECONCILE_STARTUP_TIMEOUT", 2*time.Minute),
			PeriodicInterval:     getDurationEnv("RECONCILE_PERIODIC_INTERVAL", 1*time.Minute),
			StalePendingInterval: getDurationEnv("RECONCILE_STALE_PENDING_AFTER", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName: getEnv("OTEL_SERVICE_NAME", "execution-gateway"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "json"),
		},
		Security: SecurityConfig{
			CORSAllowedOrigins: getSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.Broker.DryRun && c.Webhook.SigningSecret == "" {
		return fmt.Errorf("WEBHOOK_SIGNING_SECRET is required when DRY_RUN is false")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
