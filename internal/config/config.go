// Package config loads the engine configuration from an optional YAML file,
// an optional .env file and KLEAR_ prefixed environment variables.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"db"`
	Auth         AuthConfig         `mapstructure:"auth"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Notification NotificationConfig `mapstructure:"notification"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	ValueHistory ValueHistoryConfig `mapstructure:"value_history"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

func (c AppConfig) Production() bool {
	return c.Env == "production"
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Pretty selects zerolog's console writer
	Pretty bool `mapstructure:"pretty"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	InternalAPIKey  string        `mapstructure:"internal_api_key"`
	DemoCredentials bool          `mapstructure:"demo_credentials"`
}

type RateLimitConfig struct {
	AuthPerMinute    float64 `mapstructure:"auth_per_minute"`
	ExecutePerMinute float64 `mapstructure:"execute_per_minute"`
	DefaultPerMinute float64 `mapstructure:"default_per_minute"`
	Burst            int     `mapstructure:"burst"`
}

type SchedulerConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Schedule               string        `mapstructure:"schedule"` // cron spec driving cycles
	Workers                int           `mapstructure:"workers"`
	LeaseDuration          time.Duration `mapstructure:"lease_duration"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	Owner                  string        `mapstructure:"owner"`
}

type ExecutorConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	PurgeSchedule  string        `mapstructure:"purge_schedule"`
	VenueSeed      int64         `mapstructure:"venue_seed"`
}

type NotificationConfig struct {
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	RedeliverySchedule string        `mapstructure:"redelivery_schedule"`
	// WebhookURL receives Email, SMS and Push deliveries. Empty logs them instead.
	WebhookURL string `mapstructure:"webhook_url"`
}

type ApprovalConfig struct {
	ClaimTTL      time.Duration `mapstructure:"claim_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ValueHistoryConfig struct {
	Backend       string        `mapstructure:"backend"` // memory or redis
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// Load reads path unless envOnly is set. Values from a .env file in the
// working directory are exported first so they behave like real
// environment variables.
func Load(path string, envOnly bool) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "development")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "klear-automation.db")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")

	v.SetDefault("auth.jwt_secret", "klear-secret-key")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.internal_api_key", "")
	v.SetDefault("auth.demo_credentials", true)

	v.SetDefault("rate_limit.auth_per_minute", 10)
	v.SetDefault("rate_limit.execute_per_minute", 30)
	v.SetDefault("rate_limit.default_per_minute", 0)
	v.SetDefault("rate_limit.burst", 1)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.schedule", "@every 1m")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.lease_duration", "5m")
	v.SetDefault("scheduler.max_consecutive_failures", 5)
	v.SetDefault("scheduler.owner", "")

	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.idempotency_ttl", "72h")
	v.SetDefault("executor.purge_schedule", "@hourly")
	v.SetDefault("executor.venue_seed", 0)

	v.SetDefault("notification.send_timeout", "10s")
	v.SetDefault("notification.redelivery_schedule", "@every 1m")
	v.SetDefault("notification.webhook_url", "")

	v.SetDefault("approval.claim_ttl", "15m")
	v.SetDefault("approval.sweep_interval", "1m")

	v.SetDefault("value_history.backend", "memory")
	v.SetDefault("value_history.ttl", "0s")
	v.SetDefault("value_history.redis_addr", "localhost:6379")
	v.SetDefault("value_history.redis_password", "")
	v.SetDefault("value_history.redis_db", 0)
	v.SetDefault("value_history.key_prefix", "klear:value:")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
