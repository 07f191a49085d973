package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string
	HTTPAddr     string

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
	DBAutoMigrate     bool
	DBLogLevel        string
	DBSlowQueryMS     int
	DBBatchSlowMS     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnowflakeNode int64

	StripeSecretKey string

	Scheduler     SchedulerConfig
	Observability ObservabilityConfig
}

// ObservabilityConfig is the raw logging and telemetry settings. The
// observability package normalizes them.
type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	TracesEnabled bool
	OTLPProtocol  string

	MetricsPushExporter string
	MetricsPushEndpoint string
	MetricsPushToken    string
}

// SchedulerConfig carries the cron expressions for batch jobs.
type SchedulerConfig struct {
	Enabled           bool
	EnabledJobs       []string
	NightlySpec       string
	MonthlySpec       string
	ReconcileSpec     string
	RunIntervalSecond int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "cascade"),
		AppVersion:        getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment:       getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "cascade"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "cascade.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", false),
		DBLogLevel:        getenv("DATABASE_LOG_LEVEL", "warn"),
		DBSlowQueryMS:     getenvInt("DATABASE_SLOW_QUERY_MS", 200),
		DBBatchSlowMS:     getenvInt("DATABASE_BATCH_SLOW_QUERY_MS", 5000),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		StripeSecretKey:   strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			EnabledJobs:       parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			NightlySpec:       getenv("SCHEDULER_NIGHTLY_SPEC", "0 1 * * *"),
			MonthlySpec:       getenv("SCHEDULER_MONTHLY_SPEC", "0 2 1 * *"),
			ReconcileSpec:     getenv("SCHEDULER_RECONCILE_SPEC", "0 4 * * *"),
			RunIntervalSecond: getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60),
		},
	}

	otel := getenvBool("OTEL_ENABLED", false)
	cfg.Observability = ObservabilityConfig{
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogFormat:           getenv("LOG_FORMAT", "json"),
		OtelEnabled:         otel,
		TracesEnabled:       getenvBool("OTEL_TRACES_ENABLED", otel),
		OTLPProtocol:        getenv("OTEL_EXPORTER_OTLP_METRICS_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		MetricsPushExporter: getenv("METRICS_PUSH_EXPORTER", ""),
		MetricsPushEndpoint: getenv("METRICS_PUSH_ENDPOINT", ""),
		MetricsPushToken:    getenv("METRICS_PUSH_TOKEN", ""),
	}

	return cfg
}

// RedisEnabled reports whether a redis address was configured.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
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

func parseList(raw string) []string {
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
