package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/procflow-go/pkg/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	S3           S3Config           `mapstructure:"s3"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Cache        CacheConfig        `mapstructure:"cache"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Modification ModificationConfig `mapstructure:"modification"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
}

// S3Config points at the bucket holding batch configuration blobs. Endpoint
// is only set for S3-compatible stores (minio in development).
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// CacheConfig tunes the redis-backed read caches.
type CacheConfig struct {
	// DefinitionTTL bounds how long a deployed definition may be served
	// from cache.
	DefinitionTTL time.Duration `mapstructure:"definition_ttl"`
}

// RateLimitConfig caps API requests per client.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type LoggerConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	AddCaller bool   `mapstructure:"add_caller"`
}

// ModificationConfig tunes the modification engine and its batch executor.
type ModificationConfig struct {
	// ChunkSize is the number of target instances per batch job.
	ChunkSize int `mapstructure:"chunk_size"`
	// JobRetries is the attempt budget of a batch job before it is marked
	// permanently failed.
	JobRetries int `mapstructure:"job_retries"`
	// Workers is the size of the batch executor's worker pool.
	Workers int `mapstructure:"workers"`
	// DispatchRate limits how many jobs per second are handed to workers.
	DispatchRate float64 `mapstructure:"dispatch_rate"`
	// ConflictRetries bounds the transparent retry of a unit of work after
	// an optimistic concurrency conflict.
	ConflictRetries int `mapstructure:"conflict_retries"`
	// RetryBackoff is the initial delay before a failed job runs again.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/procflow")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("PROCFLOW")

	if err := viper.ReadInConfig(); err != nil {
		// defaults and env vars are enough when no config file is present
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "procflow")
	viper.SetDefault("database.password", "procflow")
	viper.SetDefault("database.name", "procflow")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "procflow-group")
	viper.SetDefault("kafka.topic", "procflow.batch")

	viper.SetDefault("s3.bucket", "procflow-batches")
	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.force_path_style", false)

	viper.SetDefault("cache.definition_ttl", 10*time.Minute)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests", 100)
	viper.SetDefault("rate_limit.window", time.Second)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)

	viper.SetDefault("modification.chunk_size", 100)
	viper.SetDefault("modification.job_retries", 3)
	viper.SetDefault("modification.workers", 4)
	viper.SetDefault("modification.dispatch_rate", 50.0)
	viper.SetDefault("modification.conflict_retries", 3)
	viper.SetDefault("modification.retry_backoff", 5*time.Second)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Level,
		Format:    c.Format,
		Output:    c.Output,
		AddCaller: c.AddCaller,
	}
}
