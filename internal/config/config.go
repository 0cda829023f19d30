package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Environment     string        `mapstructure:"environment"`
	Port            string        `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ClientCacheTTL  time.Duration `mapstructure:"client_cache_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces every key the hub writes (queue, breakers, rate limits).
	Prefix string `mapstructure:"prefix"`
}

// EtcdConfig is optional. Without endpoints the retry scheduler runs unguarded.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LockKey     string        `mapstructure:"lock_key"`
}

type WorkersConfig struct {
	PoolSize         int           `mapstructure:"pool_size"`
	QueueTimeout     time.Duration `mapstructure:"queue_timeout"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	RetryBatchSize   int           `mapstructure:"retry_batch_size"`
	PendingInterval  time.Duration `mapstructure:"pending_interval"`
	PendingGrace     time.Duration `mapstructure:"pending_grace"`
	PendingBatchSize int           `mapstructure:"pending_batch_size"`
}

type DeliveryConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Parallelism       int           `mapstructure:"parallelism"`
	RetryClientErrors bool          `mapstructure:"retry_client_errors"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
}

type MonitorConfig struct {
	DeadLetterThreshold int           `mapstructure:"dead_letter_threshold"`
	RetryThreshold      int           `mapstructure:"retry_threshold"`
	PendingThreshold    int           `mapstructure:"pending_threshold"`
	CircuitOpenAlert    time.Duration `mapstructure:"circuit_open_alert"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.client_cache_ttl", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.prefix", "integrahub")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.lock_key", "/integrahub/locks/retry-scheduler")

	v.SetDefault("workers.pool_size", 8)
	v.SetDefault("workers.queue_timeout", 5*time.Second)
	v.SetDefault("workers.retry_interval", 10*time.Second)
	v.SetDefault("workers.retry_batch_size", 100)
	v.SetDefault("workers.pending_interval", 30*time.Second)
	v.SetDefault("workers.pending_grace", 2*time.Minute)
	v.SetDefault("workers.pending_batch_size", 50)

	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.base_backoff", 30*time.Second)
	v.SetDefault("delivery.max_backoff", time.Hour)
	v.SetDefault("delivery.parallelism", 4)
	v.SetDefault("delivery.retry_client_errors", false)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", 60*time.Second)

	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("monitor.dead_letter_threshold", 10)
	v.SetDefault("monitor.retry_threshold", 100)
	v.SetDefault("monitor.pending_threshold", 500)
	v.SetDefault("monitor.circuit_open_alert", 5*time.Minute)

	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.buffer_size", 500)
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("INTEGRAHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, env and defaults cover everything
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}
