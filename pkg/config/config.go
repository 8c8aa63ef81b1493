// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem of the ingestion pipeline (HTTP server, MongoDB, Kafka, Redis,
// PostgreSQL dead-letter store, batching policy, logging, metrics).
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

// Commit modes accepted by PipelineConfig.CommitMode.
const (
	// CommitModeDrop commits log offsets as soon as a message is added to a
	// batch. A failed flush drops the batch.
	CommitModeDrop = "drop"
	// CommitModeRedeliver commits log offsets only after the batch holding
	// the message has been flushed. A failed flush stops the consumer so
	// the log redelivers from the last committed offset.
	CommitModeRedeliver = "redeliver"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowedOrigins lists browser origins allowed by CORS. "*" allows any.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// MongoConfig holds the document store connection and collection names.
type MongoConfig struct {
	URI             string        `yaml:"uri"`
	Database        string        `yaml:"database"`
	PostsCollection string        `yaml:"postsCollection"`
	UsersCollection string        `yaml:"usersCollection"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	MaxPoolSize     uint64        `yaml:"maxPoolSize"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker, topic, and consumer-group settings.
type KafkaConfig struct {
	ClientID          string      `yaml:"clientId"`
	Brokers           []string    `yaml:"brokers"`
	ConsumerGroup     string      `yaml:"consumerGroup"`
	Topics            KafkaTopics `yaml:"topics"`
	Partitions        int         `yaml:"partitions"`
	ReplicationFactor int         `yaml:"replicationFactor"`
	FromBeginning     bool        `yaml:"fromBeginning"`
	// MaxFetchFailures is the number of consecutive fetch errors after which
	// a consumer treats the connection as lost.
	MaxFetchFailures int `yaml:"maxFetchFailures"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CreatePosts string `yaml:"createPosts"`
	Engagement  string `yaml:"engagement"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// PipelineConfig controls batching thresholds, the flush timer, and the
// offset commit policy of the consumer runtime.
type PipelineConfig struct {
	PostBatchSize           int           `yaml:"postBatchSize"`
	EngagementBatchSize     int           `yaml:"engagementBatchSize"`
	FlushInterval           time.Duration `yaml:"flushInterval"`
	ShutdownFlushTimeout    time.Duration `yaml:"shutdownFlushTimeout"`
	CommitMode              string        `yaml:"commitMode"`
	UpdateConcurrency       int           `yaml:"updateConcurrency"`
	DedupTTL                time.Duration `yaml:"dedupTTL"`
	HealthPort              int           `yaml:"healthPort"`
	PublishAttempts         int           `yaml:"publishAttempts"`
	PublishRetryDelay       time.Duration `yaml:"publishRetryDelay"`
	// BreakerFailureThreshold consecutive publish failures open the circuit
	// for BreakerResetTimeout.
	BreakerFailureThreshold int           `yaml:"breakerFailureThreshold"`
	BreakerResetTimeout     time.Duration `yaml:"breakerResetTimeout"`
}

// DeadLetterConfig controls recording of dropped batches in PostgreSQL.
type DeadLetterConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig controls per-actor request limits on the ingestion API.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, or an error if the result fails validation.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

// Validate reports configuration values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers must not be empty"))
	}
	if c.Kafka.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka.consumerGroup must not be empty"))
	}
	if c.Kafka.Topics.CreatePosts == "" || c.Kafka.Topics.Engagement == "" {
		errs = append(errs, errors.New("kafka.topics.createPosts and kafka.topics.engagement are required"))
	}
	if c.Kafka.Topics.CreatePosts == c.Kafka.Topics.Engagement {
		errs = append(errs, errors.New("kafka topics must be distinct"))
	}
	if c.Pipeline.PostBatchSize <= 0 || c.Pipeline.EngagementBatchSize <= 0 {
		errs = append(errs, errors.New("pipeline batch sizes must be positive"))
	}
	if c.Pipeline.FlushInterval <= 0 {
		errs = append(errs, errors.New("pipeline.flushInterval must be positive"))
	}
	switch c.Pipeline.CommitMode {
	case CommitModeDrop, CommitModeRedeliver:
	default:
		errs = append(errs, fmt.Errorf("pipeline.commitMode %q must be %q or %q",
			c.Pipeline.CommitMode, CommitModeDrop, CommitModeRedeliver))
	}
	if c.Pipeline.PublishRetryDelay < 0 || c.Pipeline.BreakerFailureThreshold < 0 || c.Pipeline.BreakerResetTimeout < 0 {
		errs = append(errs, errors.New("pipeline publish retry and breaker settings must not be negative"))
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.uri and mongo.database are required"))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with defaults suited to local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Mongo: MongoConfig{
			URI:             "mongodb://127.0.0.1:27017",
			Database:        "slidee",
			PostsCollection: "posts",
			UsersCollection: "users",
			ConnectTimeout:  15 * time.Second,
			MaxPoolSize:     50,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ingestpipeline",
			User:            "ingestpipeline",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ClientID:      "slidee-app",
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "slidee-group",
			Topics: KafkaTopics{
				CreatePosts: "create-posts",
				Engagement:  "like-dislike-events",
			},
			Partitions:        1,
			ReplicationFactor: 1,
			FromBeginning:     true,
			MaxFetchFailures:  10,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Pipeline: PipelineConfig{
			PostBatchSize:           5000,
			EngagementBatchSize:     5000,
			FlushInterval:           30 * time.Second,
			ShutdownFlushTimeout:    5 * time.Second,
			CommitMode:              CommitModeDrop,
			UpdateConcurrency:       16,
			DedupTTL:                24 * time.Hour,
			HealthPort:              8083,
			PublishAttempts:         2,
			PublishRetryDelay:       100 * time.Millisecond,
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   120,
			Window:  time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("SP_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_PIPELINE_COMMIT_MODE"); v != "" {
		cfg.Pipeline.CommitMode = v
	}
	if v := os.Getenv("SP_PIPELINE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.FlushInterval = d
		}
	}
	if v := os.Getenv("SP_DEADLETTER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.DeadLetter.Enabled = enabled
		}
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
