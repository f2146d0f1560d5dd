package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator's environment-derived configuration.
type Config struct {
	Env   string
	Port  int
	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	UseRedisBus   bool

	SQLiteFallbackPath string
	SecretFallbackPath string

	QueueCapacity     int
	DefaultMaxRetries int
	StaleLockTTL      time.Duration

	ActivityMaxEntries int
	ReportOutputDir    string
	ReportMaxAge       time.Duration

	AdminJWTSecret string

	OtelEndpoint string
}

func Load() Config {
	return Config{
		Env:   getEnv("APP_ENV", "dev"),
		Port:  getEnvInt("PORT", 8080),
		DBURL: buildDBURL(),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		UseRedisBus:   getEnv("USE_REDIS_BUS", "") == "true",

		SQLiteFallbackPath: getEnv("SQLITE_FALLBACK_PATH", "./data/fallback.db"),
		SecretFallbackPath: getEnv("SECRET_FALLBACK_CACHE_PATH", "./data/secrets-fallback.json"),

		QueueCapacity:     getEnvInt("QUEUE_CAPACITY", 0),
		DefaultMaxRetries: getEnvInt("DEFAULT_MAX_RETRIES", 3),
		StaleLockTTL:      time.Duration(getEnvInt("STALE_LOCK_TTL_SECONDS", 300)) * time.Second,

		ActivityMaxEntries: getEnvInt("ACTIVITY_MAX_ENTRIES", 50),
		ReportOutputDir:    getEnv("REPORT_OUTPUT_DIR", "./reports"),
		ReportMaxAge:       time.Duration(getEnvInt("REPORT_MAX_AGE_DAYS", 30)) * 24 * time.Hour,

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "jobforge")
	pass := getEnv("DB_PASSWORD", "jobforge")
	name := getEnv("DB_NAME", "jobforge")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return num
	}
	return fallback
}
