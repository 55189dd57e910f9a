package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Billing  BillingConfig
	Access   AccessConfig
	Sweeper  SweeperConfig
	Mail     MailConfig
	Gateway  GatewayConfig
	Events   EventsConfig
	Cron     CronConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int

	StatementTimeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize    int
	DialTimeout time.Duration
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BillingConfig holds the subscription windows and reconciliation policy.
type BillingConfig struct {
	Timezone             string
	GraceDays            int
	UpcomingReminderDays int
	ReminderThrottle     time.Duration
	StrictAmounts        bool
	Currency             string
}

// AccessConfig tunes the classroom access decision cache.
type AccessConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

// SweeperConfig controls the daily grace-period sweep.
type SweeperConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// MailConfig selects the outbound email transport.
type MailConfig struct {
	Provider       string
	SendGridAPIKey string
	FromName       string
	FromEmail      string
	Workers        int
	MaxRetries     int
}

// GatewayConfig holds payment gateway credentials.
type GatewayConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
}

// EventsConfig toggles billing event publication to Kafka.
type EventsConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// CronConfig protects externally triggered jobs.
type CronConfig struct {
	Secret string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),

		StatementTimeout: parseDuration(v.GetString("DB_STATEMENT_TIMEOUT"), 30*time.Second),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),

		PoolSize:    positiveInt(v.GetInt("REDIS_POOL_SIZE"), 10),
		DialTimeout: parseDuration(v.GetString("REDIS_DIAL_TIMEOUT"), 5*time.Second),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Billing = BillingConfig{
		Timezone:             v.GetString("BILLING_TIMEZONE"),
		GraceDays:            positiveInt(v.GetInt("BILLING_GRACE_DAYS"), 30),
		UpcomingReminderDays: positiveInt(v.GetInt("BILLING_UPCOMING_REMINDER_DAYS"), 2),
		ReminderThrottle:     parseDuration(v.GetString("BILLING_REMINDER_THROTTLE"), 20*time.Hour),
		StrictAmounts:        v.GetBool("BILLING_STRICT_AMOUNTS"),
		Currency:             strings.ToLower(v.GetString("BILLING_CURRENCY")),
	}

	cfg.Access = AccessConfig{
		CacheEnabled: v.GetBool("ACCESS_CACHE_ENABLED"),
		CacheTTL:     parseDuration(v.GetString("ACCESS_CACHE_TTL"), time.Minute),
	}

	cfg.Sweeper = SweeperConfig{
		Enabled:   v.GetBool("SWEEPER_ENABLED"),
		Interval:  parseDuration(v.GetString("SWEEPER_INTERVAL"), 24*time.Hour),
		BatchSize: positiveInt(v.GetInt("SWEEPER_BATCH_SIZE"), 200),
		LockTTL:   parseDuration(v.GetString("SWEEPER_LOCK_TTL"), 6*time.Hour),
	}

	cfg.Mail = MailConfig{
		Provider:       strings.ToLower(v.GetString("MAIL_PROVIDER")),
		SendGridAPIKey: v.GetString("SENDGRID_API_KEY"),
		FromName:       v.GetString("MAIL_FROM_NAME"),
		FromEmail:      v.GetString("MAIL_FROM_EMAIL"),
		Workers:        positiveInt(v.GetInt("MAIL_WORKERS"), 2),
		MaxRetries:     v.GetInt("MAIL_MAX_RETRIES"),
	}

	cfg.Gateway = GatewayConfig{
		StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
	}

	cfg.Events = EventsConfig{
		Enabled: v.GetBool("EVENTS_ENABLED"),
		Brokers: splitAndTrim(v.GetString("KAFKA_BROKERS")),
		Topic:   v.GetString("KAFKA_BILLING_TOPIC"),
	}

	cfg.Cron = CronConfig{Secret: v.GetString("CRON_SECRET")}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "lms_billing")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "30s")

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BILLING_TIMEZONE", "UTC")
	v.SetDefault("BILLING_GRACE_DAYS", 30)
	v.SetDefault("BILLING_UPCOMING_REMINDER_DAYS", 2)
	v.SetDefault("BILLING_REMINDER_THROTTLE", "20h")
	v.SetDefault("BILLING_STRICT_AMOUNTS", false)
	v.SetDefault("BILLING_CURRENCY", "bdt")

	v.SetDefault("ACCESS_CACHE_ENABLED", true)
	v.SetDefault("ACCESS_CACHE_TTL", "1m")

	v.SetDefault("SWEEPER_ENABLED", false)
	v.SetDefault("SWEEPER_INTERVAL", "24h")
	v.SetDefault("SWEEPER_BATCH_SIZE", 200)
	v.SetDefault("SWEEPER_LOCK_TTL", "6h")

	v.SetDefault("MAIL_PROVIDER", "log")
	v.SetDefault("SENDGRID_API_KEY", "")
	v.SetDefault("MAIL_FROM_NAME", "LMS Billing")
	v.SetDefault("MAIL_FROM_EMAIL", "billing@example.com")
	v.SetDefault("MAIL_WORKERS", 2)
	v.SetDefault("MAIL_MAX_RETRIES", 0)

	v.SetDefault("STRIPE_SECRET_KEY", "")
	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")

	v.SetDefault("EVENTS_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_BILLING_TOPIC", "billing.events")

	v.SetDefault("CRON_SECRET", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
