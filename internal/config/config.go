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
	HTTPPort    string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Stripe    StripeConfig
	Email     EmailConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
}

// TelemetryConfig follows the OTEL_* conventions so collectors configured
// for other services work unchanged.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTLPEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	// APIURL overrides the Stripe API base, used against stripe-mock.
	APIURL string
}

func (c StripeConfig) Configured() bool {
	return c.SecretKey != ""
}

type EmailConfig struct {
	Provider     string
	From         string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	ResendAPIKey string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	LockEnabled bool
	LockTTL     time.Duration
}

type SchedulerConfig struct {
	RunInterval        time.Duration
	RunDay             int
	RunHour            int
	RunTimeout         time.Duration
	ReconcileBatchSize int
	EnabledJobs        []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "pondops"),
		AppVersion:  getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment: getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		HTTPPort:    getenv("PORT", "8080"),

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OTLPEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "require"),
		DBPath:            getenv("DATABASE_PATH", "pondops.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			Currency:      strings.ToLower(getenv("STRIPE_CURRENCY", "usd")),
			APIURL:        strings.TrimSpace(getenv("STRIPE_API_URL", "")),
		},
		Email: EmailConfig{
			Provider:     strings.ToLower(strings.TrimSpace(getenv("EMAIL_PROVIDER", ""))),
			From:         getenv("EMAIL_FROM", ""),
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			ResendAPIKey: strings.TrimSpace(getenv("RESEND_API_KEY", "")),
		},
		Redis: RedisConfig{
			Addr:        getenv("REDIS_ADDR", "localhost:6379"),
			Password:    getenv("REDIS_PASSWORD", ""),
			DB:          getenvInt("REDIS_DB", 0),
			LockEnabled: getenvBool("BILLING_RUN_LOCK_ENABLED", false),
			LockTTL:     getenvDuration("BILLING_RUN_LOCK_TTL", time.Hour),
		},
		Scheduler: SchedulerConfig{
			RunInterval:        getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			RunDay:             getenvInt("BILLING_RUN_DAY", 1),
			RunHour:            getenvInt("BILLING_RUN_HOUR", 8),
			RunTimeout:         getenvDuration("BILLING_RUN_TIMEOUT", 0),
			ReconcileBatchSize: getenvInt("RECONCILE_BATCH_SIZE", 500),
			EnabledJobs:        splitList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	// Resend was the original transport; pick it when only its key is set.
	if cfg.Email.Provider == "" && cfg.Email.ResendAPIKey != "" {
		cfg.Email.Provider = "resend"
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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

// getenvDuration accepts Go durations ("90s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
