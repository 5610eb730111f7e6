// Package config loads SPAX's hierarchical configuration from defaults,
// an optional YAML file, and environment variables (prefix SPAX_), the way
// every service in this lineage does it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StorageConfig holds the storage settings loaded from configuration. The
// s3_default_* fields are loaded but not read anywhere: each object-store
// provider is built from its own storage_volume row only.
type StorageConfig struct {
	LocalBaseDir        string `mapstructure:"local_base_dir"`
	DiskThresholdMB      int64  `mapstructure:"disk_threshold_mb"`
	S3Region             string `mapstructure:"s3_default_region"`
	S3Endpoint           string `mapstructure:"s3_default_endpoint"`
	S3AccessKey          string `mapstructure:"s3_default_access_key"`
	S3SecretKey          string `mapstructure:"s3_default_secret_key"`
	PathTemplateDefault  string `mapstructure:"path_template_default"`
	MonthsAheadPartition int    `mapstructure:"months_ahead_partitions"`
}

type IngestConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	ConsumerThreads  int           `mapstructure:"consumer_threads"`
	QueueBackend     string        `mapstructure:"queue_backend"` // stream|wal
	ConsumerGroup    string        `mapstructure:"consumer_group"`
	BlockTimeout     time.Duration `mapstructure:"block_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	QuarantineBaseDir string       `mapstructure:"quarantine_base_dir"`
}

type CacheConfig struct {
	Backend string `mapstructure:"backend"` // local|shared
}

type LifecycleConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	WorkerInterval   time.Duration `mapstructure:"worker_interval"`
	MigrationBatch   int           `mapstructure:"migration_batch"`
	MigrationTaskCap int           `mapstructure:"migration_task_cap"`
	DryRun           bool          `mapstructure:"dry_run"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json|console
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// Load reads defaults, then an optional YAML file at configPath, then
// environment variables prefixed SPAX_, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SPAX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// MustLoad is Load but panics on error, for use in cmd/server's main.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "spax")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "spax")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("storage.local_base_dir", "./data")
	v.SetDefault("storage.disk_threshold_mb", 5120)
	v.SetDefault("storage.s3_default_region", "us-east-1")
	v.SetDefault("storage.path_template_default", "{now,date,yyyy/MM/dd}/{0020000D,hash}/{0020000E,hash}/{00080018,hash}")
	v.SetDefault("storage.months_ahead_partitions", 12)

	v.SetDefault("ingest.batch_size", 200)
	v.SetDefault("ingest.consumer_threads", 4)
	v.SetDefault("ingest.queue_backend", "stream")
	v.SetDefault("ingest.consumer_group", "indexer-group")
	v.SetDefault("ingest.block_timeout", 2*time.Second)
	v.SetDefault("ingest.retry_backoff", 5*time.Second)
	v.SetDefault("ingest.quarantine_base_dir", "./data/error")

	v.SetDefault("cache.backend", "local")

	v.SetDefault("lifecycle.enabled", true)
	v.SetDefault("lifecycle.evaluate_interval", 24*time.Hour)
	v.SetDefault("lifecycle.worker_interval", 10*time.Minute)
	v.SetDefault("lifecycle.migration_batch", 100)
	v.SetDefault("lifecycle.migration_task_cap", 10000)
	v.SetDefault("lifecycle.dry_run", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})

	v.SetDefault("auth.token_ttl", 24*time.Hour)
}

// Validate checks structural invariants before the config is used to build
// the service graph.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.Ingest.ConsumerThreads <= 0 {
		return fmt.Errorf("ingest.consumer_threads must be positive")
	}
	switch c.Ingest.QueueBackend {
	case "stream", "wal":
	default:
		return fmt.Errorf("ingest.queue_backend must be stream or wal, got %q", c.Ingest.QueueBackend)
	}
	switch c.Cache.Backend {
	case "local", "shared":
	default:
		return fmt.Errorf("cache.backend must be local or shared, got %q", c.Cache.Backend)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level invalid: %q", c.Logging.Level)
	}
	if c.Storage.MonthsAheadPartition <= 0 {
		return fmt.Errorf("storage.months_ahead_partitions must be positive")
	}
	return nil
}
