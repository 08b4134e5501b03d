package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Log            LogConfig            `mapstructure:"log"`
	Lock           LockConfig           `mapstructure:"lock"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Routing        RoutingConfig        `mapstructure:"routing"`
	Outbox         OutboxConfig         `mapstructure:"outbox"`
	Idempotency    IdempotencyConfig    `mapstructure:"idempotency"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	Issuer    string        `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

type LockConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	ProcessTTL    time.Duration `mapstructure:"process_ttl"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterFactor      float64       `mapstructure:"jitter_factor"`
}

type CircuitBreakerConfig struct {
	FailureThreshold     int           `mapstructure:"failure_threshold"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	SuccessThreshold     int           `mapstructure:"success_threshold"`
	OpenTimeout          time.Duration `mapstructure:"open_timeout"`
	HalfOpenTimeout      time.Duration `mapstructure:"half_open_timeout"`
	HalfOpenMaxAttempts  int           `mapstructure:"half_open_max_attempts"`
	MinHealthScore       float64       `mapstructure:"min_health_score"`
}

// RoutingRule is the declarative form of a router rule. Rules are evaluated
// in descending priority; the first whose predicate matches wins.
type RoutingRule struct {
	Name     string   `mapstructure:"name"`
	Priority int      `mapstructure:"priority"`
	Gateway  string   `mapstructure:"gateway"`
	Field    string   `mapstructure:"field"` // amount, currency, method, country, merchant
	Op       string   `mapstructure:"op"`    // eq, gt, gte, lt, lte, in
	Value    string   `mapstructure:"value"`
	Values   []string `mapstructure:"values"` // for op: in
}

type RoutingConfig struct {
	Strategy      string             `mapstructure:"strategy"` // weighted, rules_only
	Rules         []RoutingRule      `mapstructure:"rules"`
	SuccessWeight float64            `mapstructure:"success_weight"`
	LatencyWeight float64            `mapstructure:"latency_weight"`
	CostWeight    float64            `mapstructure:"cost_weight"`
	GatewayCosts  map[string]float64 `mapstructure:"gateway_costs"`
}

type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	EnableCleanup  bool          `mapstructure:"enable_cleanup"`
	CleanupAge     time.Duration `mapstructure:"cleanup_age"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: PO_ (Payment Orchestrator).
// Nested keys use underscore: PO_DATABASE_HOST, PO_OUTBOX_BATCH_SIZE, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payment_orchestrator")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry", "24h")
	v.SetDefault("auth.issuer", "payment-orchestrator")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("lock.default_ttl", "30s")
	v.SetDefault("lock.process_ttl", "120s")
	v.SetDefault("lock.max_wait", "5s")
	v.SetDefault("lock.retry_interval", "50ms")
	v.SetDefault("lock.sweep_interval", "10s")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "100ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.jitter_factor", 1.0)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.failure_rate_threshold", 0.5)
	v.SetDefault("circuit_breaker.success_threshold", 3)
	v.SetDefault("circuit_breaker.open_timeout", "60s")
	v.SetDefault("circuit_breaker.half_open_timeout", "30s")
	v.SetDefault("circuit_breaker.half_open_max_attempts", 5)
	v.SetDefault("circuit_breaker.min_health_score", 0.5)
	v.SetDefault("routing.strategy", "weighted")
	v.SetDefault("routing.success_weight", 0.5)
	v.SetDefault("routing.latency_weight", 0.3)
	v.SetDefault("routing.cost_weight", 0.2)
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.retry_base_delay", "1s")
	v.SetDefault("outbox.retry_max_delay", "5m")
	v.SetDefault("outbox.enable_cleanup", true)
	v.SetDefault("outbox.cleanup_age", "168h")
	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.lock_timeout", "5s")
	v.SetDefault("idempotency.retry_interval", "200ms")
	v.SetDefault("idempotency.max_retries", 25)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: PO_DATABASE_HOST -> database.host
	v.SetEnvPrefix("PO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
