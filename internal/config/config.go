package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint  string
	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	// PaymentConfigSecret decrypts stored gateway credentials.
	PaymentConfigSecret string
	AdminToken          string

	SettlementConfigPath string

	PayoutRails PayoutRailsConfig

	SchedulerInterval time.Duration
	// SchedulerJobs limits which jobs this process runs; empty means all.
	SchedulerJobs []string
}

// PayoutRailsConfig carries credentials for the automated payout rails. A
// rail with empty credentials stays registered but refuses transfers.
type PayoutRailsConfig struct {
	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string

	StripeBaseURL   string
	StripeSecretKey string
}

// ObservabilityConfig holds log and telemetry settings. The standard OTEL_*
// variables still win over these when set.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	OTelEnabled       bool
	OTelProtocol      string
	OTelSamplingRatio float64
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration

	// Webhook ingress limits per provider.
	WebhookRate    float64
	WebhookBurst   int
	WebhookSeenTTL time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "creatorledger"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OTelEnabled:       getenvBool("OTEL_ENABLED", true),
			OTelProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_PROTOCOL", "grpc"))),
			OTelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Enabled:     getenvBool("REDIS_ENABLED", false),
			Addr:        getenv("REDIS_ADDR", "localhost:6379"),
			Password:    strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:          int(getenvInt64("REDIS_DB", 0)),
			DialTimeout: time.Duration(getenvInt64("REDIS_DIAL_TIMEOUT_MS", 2000)) * time.Millisecond,

			WebhookRate:    getenvFloat("WEBHOOK_RATE_PER_SECOND", 50),
			WebhookBurst:   int(getenvInt64("WEBHOOK_BURST", 200)),
			WebhookSeenTTL: time.Duration(getenvInt64("WEBHOOK_SEEN_TTL_SECONDS", 86400)) * time.Second,
		},

		PaymentConfigSecret:  strings.TrimSpace(getenv("PAYMENT_CONFIG_SECRET", "")),
		AdminToken:           strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		SettlementConfigPath: strings.TrimSpace(getenv("SETTLEMENT_CONFIG_PATH", "")),

		PayoutRails: PayoutRailsConfig{
			PayPalBaseURL:      getenv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			PayPalClientID:     strings.TrimSpace(getenv("PAYPAL_CLIENT_ID", "")),
			PayPalClientSecret: strings.TrimSpace(getenv("PAYPAL_CLIENT_SECRET", "")),
			StripeBaseURL:      getenv("STRIPE_BASE_URL", "https://api.stripe.com"),
			StripeSecretKey:    strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		},

		SchedulerInterval: time.Duration(getenvInt64("SCHEDULER_INTERVAL_SECONDS", 60)) * time.Second,
		SchedulerJobs:     getenvList("SCHEDULER_JOBS"),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
