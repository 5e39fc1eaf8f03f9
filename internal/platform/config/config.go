// Package config loads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"confconnect/internal/badges"
	"confconnect/internal/platform/kafka"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Dedup backends. An empty value picks redis when configured, then postgres,
// then memory.
const (
	DedupMemory   = "memory"
	DedupRedis    = "redis"
	DedupPostgres = "postgres"
)

// Server captures process-level configuration.
type Server struct {
	Addr              string        `env:"HTTP_ADDR" envDefault:":8080"`
	ServiceName       string        `env:"SERVICE_NAME" envDefault:"confconnect"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string        `env:"LOG_FORMAT" envDefault:"json"`
	InvocationTimeout time.Duration `env:"INVOCATION_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	OTELEndpoint      string        `env:"OTEL_EXPORTER_ENDPOINT"`

	Store  StoreConfig
	Dedup  DedupConfig  `envPrefix:"DEDUP_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	Kafka  KafkaConfig  `envPrefix:"KAFKA_"`
	Badges badges.Config
}

type StoreConfig struct {
	Backend       string        `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	DynamoTable   string        `env:"DYNAMO_TABLE" envDefault:"confconnect"`
	RelayBatch    int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	RelayInterval time.Duration `env:"RELAY_INTERVAL" envDefault:"500ms"`
}

type DedupConfig struct {
	Backend string        `env:"BACKEND"`
	TTL     time.Duration `env:"TTL" envDefault:"168h"`
}

// RedisConfig holds connection settings for the dedup store.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

type KafkaConfig struct {
	Brokers           []string `env:"BROKERS" envSeparator:","`
	GroupPrefix       string   `env:"GROUP_PREFIX" envDefault:"confconnect"`
	MaxAttempts       int      `env:"MAX_ATTEMPTS" envDefault:"5"`
	Partitions        int32    `env:"PARTITIONS" envDefault:"3"`
	ReplicationFactor int16    `env:"REPLICATION_FACTOR" envDefault:"1"`
}

// Client returns the broker settings in the shape the kafka package takes.
func (k KafkaConfig) Client() kafka.Config {
	return kafka.Config{
		Brokers:           k.Brokers,
		Partitions:        k.Partitions,
		ReplicationFactor: k.ReplicationFactor,
	}
}

// Load parses the environment and validates the result.
func Load() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent combinations.
func (c Server) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.Store.Backend != BackendMemory && !c.Kafka.Client().Enabled() {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required for the %s backend", c.Store.Backend))
	}
	switch c.DedupBackend() {
	case DedupMemory:
	case DedupRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis dedup backend"))
		}
	case DedupPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DEDUP_BACKEND %q", c.Dedup.Backend))
	}
	if c.Dedup.TTL <= 0 {
		errs = append(errs, errors.New("DEDUP_TTL must be positive"))
	}
	if c.Kafka.MaxAttempts < 1 {
		errs = append(errs, errors.New("KAFKA_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Badges.VIPThreshold < 0 {
		errs = append(errs, errors.New("VIP_THRESHOLD must not be negative"))
	}
	return errors.Join(errs...)
}

// DedupBackend resolves the configured or implied dedup backend.
func (c Server) DedupBackend() string {
	if c.Dedup.Backend != "" {
		return c.Dedup.Backend
	}
	switch {
	case c.Redis.URL != "":
		return DedupRedis
	case c.Store.DatabaseURL != "":
		return DedupPostgres
	default:
		return DedupMemory
	}
}
