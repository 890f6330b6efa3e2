package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names
const (
	TransportSQS      = "sqs"
	TransportRabbitMQ = "rabbitmq"
	TransportPostgres = "postgres"
	TransportMemory   = "memory"
)

// Cache modes
const (
	CachePrefetch = "prefetch"
	CacheNone     = "none"
)

// sqsMaxBatch and sqsMaxWait are hard limits of the SQS ReceiveMessage API
const (
	sqsMaxBatch = 10
	sqsMaxWait  = 20
)

// Config holds the consumer configuration
type Config struct {
	Transport       string `yaml:"transport"`
	Queue           string `yaml:"queue"`
	PrefetchCount   int    `yaml:"prefetchCount"`
	WaitTimeSeconds int    `yaml:"waitTimeSeconds"`
	Cache           string `yaml:"cache"`
	CacheCapacity   int    `yaml:"cacheCapacity,omitempty"` // 0 selects the default capacity
	RequeueOnError  bool   `yaml:"requeueOnError"`

	SQS      SQSConfig      `yaml:"sqs"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Postgres PostgresConfig `yaml:"postgres"`
	Retry    RetryConfig    `yaml:"retry"`

	MetricsAddr      string `yaml:"metricsAddr"`
	MetricsNamespace string `yaml:"metricsNamespace"`
	LogLevel         string `yaml:"logLevel"`
}

// SQSConfig holds SQS transport settings
type SQSConfig struct {
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint,omitempty"`
	VisibilityTimeout int    `yaml:"visibilityTimeout,omitempty"` // seconds, 0 keeps the queue default
}

// RabbitMQConfig holds RabbitMQ transport settings
type RabbitMQConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	VHost         string `yaml:"vhost"`
	DeclareQueues bool   `yaml:"declareQueues"`

	// VisibilityTimeout requeues deliveries left unsettled this long, in seconds
	VisibilityTimeout int `yaml:"visibilityTimeout"`
}

// PostgresConfig holds Postgres transport settings
type PostgresConfig struct {
	DSN               string        `yaml:"dsn"`
	VisibilityTimeout int           `yaml:"visibilityTimeout"` // seconds
	EnsureSchema      bool          `yaml:"ensureSchema"`
	MaxConns          int           `yaml:"maxConns"`
	MinConns          int           `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
}

// RetryConfig holds backend retry settings
type RetryConfig struct {
	MaxRetries      int           `yaml:"maxRetries"` // 0 disables retries
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Transport:       TransportSQS,
		PrefetchCount:   9,
		WaitTimeSeconds: 5,
		Cache:           CachePrefetch,
		SQS: SQSConfig{
			Region: "us-east-1",
		},
		RabbitMQ: RabbitMQConfig{
			Host:              "localhost",
			Port:              5672,
			Username:          "guest",
			Password:          "guest",
			VHost:             "/",
			DeclareQueues:     true,
			VisibilityTimeout: 30,
		},
		Postgres: PostgresConfig{
			VisibilityTimeout: 30,
			EnsureSchema:      true,
			MaxConns:          10,
			MinConns:          2,
			MaxConnLifetime:   time.Hour,
			MaxConnIdleTime:   30 * time.Minute,
		},
		Retry: RetryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		MetricsAddr:      ":8080",
		MetricsNamespace: "asya_consumer",
		LogLevel:         "info",
	}
}

// Load reads the optional YAML file named by ASYA_CONFIG_FILE, applies
// ASYA_* environment overrides and validates the result
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ASYA_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile merges a YAML file into the configuration
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Transport = getEnv("ASYA_TRANSPORT", c.Transport)
	c.Queue = getEnv("ASYA_QUEUE", c.Queue)
	c.PrefetchCount = getEnvInt("ASYA_PREFETCH_COUNT", c.PrefetchCount)
	c.WaitTimeSeconds = getEnvInt("ASYA_WAIT_TIME_SECONDS", c.WaitTimeSeconds)
	c.Cache = getEnv("ASYA_CACHE", c.Cache)
	c.CacheCapacity = getEnvInt("ASYA_CACHE_CAPACITY", c.CacheCapacity)
	c.RequeueOnError = getEnvBool("ASYA_REQUEUE_ON_ERROR", c.RequeueOnError)

	c.SQS.Region = getEnv("ASYA_AWS_REGION", c.SQS.Region)
	c.SQS.Endpoint = getEnv("ASYA_SQS_ENDPOINT", c.SQS.Endpoint)
	c.SQS.VisibilityTimeout = getEnvInt("ASYA_SQS_VISIBILITY_TIMEOUT", c.SQS.VisibilityTimeout)

	c.RabbitMQ.Host = getEnv("ASYA_RABBITMQ_HOST", c.RabbitMQ.Host)
	c.RabbitMQ.Port = getEnvInt("ASYA_RABBITMQ_PORT", c.RabbitMQ.Port)
	c.RabbitMQ.Username = getEnv("ASYA_RABBITMQ_USERNAME", c.RabbitMQ.Username)
	c.RabbitMQ.Password = getEnv("ASYA_RABBITMQ_PASSWORD", c.RabbitMQ.Password)
	c.RabbitMQ.VHost = getEnv("ASYA_RABBITMQ_VHOST", c.RabbitMQ.VHost)
	c.RabbitMQ.DeclareQueues = getEnvBool("ASYA_RABBITMQ_DECLARE_QUEUES", c.RabbitMQ.DeclareQueues)
	c.RabbitMQ.VisibilityTimeout = getEnvInt("ASYA_RABBITMQ_VISIBILITY_TIMEOUT", c.RabbitMQ.VisibilityTimeout)

	c.Postgres.DSN = getEnv("ASYA_POSTGRES_DSN", c.Postgres.DSN)
	c.Postgres.VisibilityTimeout = getEnvInt("ASYA_POSTGRES_VISIBILITY_TIMEOUT", c.Postgres.VisibilityTimeout)
	c.Postgres.EnsureSchema = getEnvBool("ASYA_POSTGRES_ENSURE_SCHEMA", c.Postgres.EnsureSchema)
	c.Postgres.MaxConns = getEnvInt("ASYA_DB_MAX_CONNS", c.Postgres.MaxConns)
	c.Postgres.MinConns = getEnvInt("ASYA_DB_MIN_CONNS", c.Postgres.MinConns)
	c.Postgres.MaxConnLifetime = getEnvDuration("ASYA_DB_MAX_CONN_LIFETIME", c.Postgres.MaxConnLifetime)
	c.Postgres.MaxConnIdleTime = getEnvDuration("ASYA_DB_MAX_CONN_IDLE_TIME", c.Postgres.MaxConnIdleTime)

	c.Retry.MaxRetries = getEnvInt("ASYA_RETRY_MAX", c.Retry.MaxRetries)
	c.Retry.InitialInterval = getEnvDuration("ASYA_RETRY_INITIAL_INTERVAL", c.Retry.InitialInterval)
	c.Retry.MaxInterval = getEnvDuration("ASYA_RETRY_MAX_INTERVAL", c.Retry.MaxInterval)

	c.MetricsAddr = getEnv("ASYA_METRICS_ADDR", c.MetricsAddr)
	c.MetricsNamespace = getEnv("ASYA_METRICS_NAMESPACE", c.MetricsNamespace)
	c.LogLevel = getEnv("ASYA_LOG_LEVEL", c.LogLevel)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if c.Queue == "" {
		errs = append(errs, fmt.Errorf("queue is required (ASYA_QUEUE)"))
	}
	if c.PrefetchCount < 1 {
		errs = append(errs, fmt.Errorf("prefetch count must be at least 1, got %d", c.PrefetchCount))
	}
	if c.WaitTimeSeconds < 0 {
		errs = append(errs, fmt.Errorf("wait time must not be negative, got %d", c.WaitTimeSeconds))
	}
	if c.CacheCapacity < 0 {
		errs = append(errs, fmt.Errorf("cache capacity must not be negative, got %d", c.CacheCapacity))
	}
	switch c.Cache {
	case CachePrefetch, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("unknown cache mode %q (want %s or %s)", c.Cache, CachePrefetch, CacheNone))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry max must not be negative, got %d", c.Retry.MaxRetries))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Transport {
	case TransportSQS:
		if c.PrefetchCount > sqsMaxBatch {
			errs = append(errs, fmt.Errorf("sqs prefetch count must be at most %d, got %d", sqsMaxBatch, c.PrefetchCount))
		}
		if c.WaitTimeSeconds > sqsMaxWait {
			errs = append(errs, fmt.Errorf("sqs wait time must be at most %d, got %d", sqsMaxWait, c.WaitTimeSeconds))
		}
		if c.SQS.Region == "" {
			errs = append(errs, fmt.Errorf("sqs region is required (ASYA_AWS_REGION)"))
		}
		if c.SQS.VisibilityTimeout < 0 {
			errs = append(errs, fmt.Errorf("sqs visibility timeout must not be negative"))
		}
	case TransportRabbitMQ:
		if c.RabbitMQ.Host == "" {
			errs = append(errs, fmt.Errorf("rabbitmq host is required (ASYA_RABBITMQ_HOST)"))
		}
		if c.RabbitMQ.Port <= 0 {
			errs = append(errs, fmt.Errorf("rabbitmq port must be positive, got %d", c.RabbitMQ.Port))
		}
		if c.RabbitMQ.VisibilityTimeout <= 0 {
			errs = append(errs, fmt.Errorf("rabbitmq visibility timeout must be positive"))
		}
	case TransportPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("postgres DSN is required (ASYA_POSTGRES_DSN)"))
		}
		if c.Postgres.VisibilityTimeout <= 0 {
			errs = append(errs, fmt.Errorf("postgres visibility timeout must be positive"))
		}
	case TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps debug, info, warn and error to slog levels
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return d
}
