package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the engine service.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	WorkerPool    WorkerPoolConfig    `mapstructure:"worker_pool"`
	ResultManager ResultManagerConfig `mapstructure:"result_manager"`
	Limits        LimitsConfig        `mapstructure:"limits"`
	Backends      BackendsConfig      `mapstructure:"backends"`
	ViolationStore ViolationStoreConfig `mapstructure:"violation_store"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Version       string              `mapstructure:"version"`
}

// ViolationStoreConfig optionally points security-violation persistence at
// a MongoDB collection instead of the default relational store. URI empty
// means "use the primary database's ViolationStore implementation".
type ViolationStoreConfig struct {
	URI        string `mapstructure:"uri" envconfig:"VIOLATION_STORE_URI"`
	Database   string `mapstructure:"database" envconfig:"VIOLATION_STORE_DATABASE" default:"execengine"`
	Collection string `mapstructure:"collection" envconfig:"VIOLATION_STORE_COLLECTION" default:"security_violations"`
}

// ArchiveConfig optionally points truncated stdout/stderr archival at an S3
// bucket. Bucket empty means "archiving disabled, truncated output is
// simply dropped once it exceeds the in-process stream cap".
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket" envconfig:"ARCHIVE_BUCKET"`
	Region string `mapstructure:"region" envconfig:"ARCHIVE_REGION" default:"us-east-1"`
	Prefix string `mapstructure:"prefix" envconfig:"ARCHIVE_PREFIX" default:"execution-logs/"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds the HTTP server configuration. The engine's own public
// API is an in-process facade (spec §6); this surface carries the
// /healthz, /readyz, /health and /metrics probes plus the /api/v1
// execution routes that forward to the facade.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// SchedulerConfig mirrors spec §6's scheduler block.
type SchedulerConfig struct {
	QueueCapacity         int           `mapstructure:"queue_capacity" envconfig:"SCHEDULER_QUEUE_CAPACITY" default:"1000"`
	PriorityLevels        int           `mapstructure:"priority_levels" envconfig:"SCHEDULER_PRIORITY_LEVELS" default:"4"`
	EnablePriorityQueue   bool          `mapstructure:"enable_priority_queue" envconfig:"SCHEDULER_ENABLE_PRIORITY_QUEUE" default:"true"`
	EnableFairScheduling  bool          `mapstructure:"enable_fair_scheduling" envconfig:"SCHEDULER_ENABLE_FAIR_SCHEDULING" default:"false"`
	PollingInterval       time.Duration `mapstructure:"polling_interval" envconfig:"SCHEDULER_POLLING_INTERVAL" default:"50ms"`
	UseRedisQueue         bool          `mapstructure:"use_redis_queue" envconfig:"SCHEDULER_USE_REDIS_QUEUE" default:"false"`
}

// WorkerPoolConfig mirrors spec §6's worker_pool block.
type WorkerPoolConfig struct {
	MinWorkers        int           `mapstructure:"min_workers" envconfig:"WORKER_POOL_MIN_WORKERS" default:"2"`
	MaxWorkers        int           `mapstructure:"max_workers" envconfig:"WORKER_POOL_MAX_WORKERS" default:"20"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" envconfig:"WORKER_POOL_IDLE_TIMEOUT" default:"60s"`
	QueueSize         int           `mapstructure:"queue_size" envconfig:"WORKER_POOL_QUEUE_SIZE" default:"256"`
	EnableAutoScaling bool          `mapstructure:"enable_auto_scaling" envconfig:"WORKER_POOL_ENABLE_AUTO_SCALING" default:"true"`
	ScaleUpThreshold  float64       `mapstructure:"scale_up_threshold" envconfig:"WORKER_POOL_SCALE_UP_THRESHOLD" default:"0.8"`
	ScaleDownThreshold float64      `mapstructure:"scale_down_threshold" envconfig:"WORKER_POOL_SCALE_DOWN_THRESHOLD" default:"0.2"`
}

// ResultManagerConfig mirrors spec §6's result_manager block.
type ResultManagerConfig struct {
	CacheSize       int           `mapstructure:"cache_size" envconfig:"RESULT_MANAGER_CACHE_SIZE" default:"1000"`
	RetentionWindow time.Duration `mapstructure:"retention_window" envconfig:"RESULT_MANAGER_RETENTION_WINDOW" default:"168h"`
	UseRedis        bool          `mapstructure:"use_redis" envconfig:"RESULT_MANAGER_USE_REDIS" default:"false"`
}

// LimitsConfig mirrors spec §6's limits block.
type LimitsConfig struct {
	EngineHardTimeout time.Duration `mapstructure:"engine_hard_timeout" envconfig:"LIMITS_ENGINE_HARD_TIMEOUT" default:"10m"`
	MaxStdoutBytes    int64         `mapstructure:"max_stdout_bytes" envconfig:"LIMITS_MAX_STDOUT_BYTES" default:"1048576"`
	MaxStderrBytes    int64         `mapstructure:"max_stderr_bytes" envconfig:"LIMITS_MAX_STDERR_BYTES" default:"1048576"`
	MaxLogLines       int           `mapstructure:"max_log_lines" envconfig:"LIMITS_MAX_LOG_LINES" default:"10000"`
}

// BackendsConfig maps an isolation type name ("container", "namespace",
// "chroot", "process", "none") to the backend descriptor the composition
// root resolves it to. Resolution falls through to "process" when an exact
// isolation type has no entry, per spec §6.
type BackendsConfig struct {
	Descriptors map[string]string `mapstructure:"descriptors"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"execengine"`
	Schema          string        `mapstructure:"schema" envconfig:"DB_SCHEMA"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	ConsumerGroup string   `mapstructure:"consumer_group" envconfig:"KAFKA_CONSUMER_GROUP"`
	Topics        []string `mapstructure:"topics" envconfig:"KAFKA_TOPICS"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"true"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	// Set default service name
	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	// Set config file paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("./configs/services/" + serviceName)
	viper.AddConfigPath(".")

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; ignore error and continue with env vars
	}

	// Unmarshal config file
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	// Service-specific environment variables
	envPrefix := fmt.Sprintf("%s_", toEnvPrefix(serviceName))
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process service env vars: %w", err)
	}

	// Set schema based on service name if not provided
	if cfg.Database.Schema == "" {
		cfg.Database.Schema = serviceName + "_service"
	}

	// Set Kafka consumer group if not provided
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = serviceName + "-consumer"
	}

	// Set version
	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts service name to environment variable prefix
func toEnvPrefix(name string) string {
	result := ""
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result += "_"
		}
		if r >= 'a' && r <= 'z' {
			result += string(r - 32) // Convert to uppercase
		} else {
			result += string(r)
		}
	}
	return result
}
