package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr      string
	Env       string
	JWTSecret string
	JWTTTLMin int

	// DBDriver selects the storage adapter: "sqlite" or "postgres".
	DBDriver    string
	SQLiteDSN   string
	PostgresDSN string

	// RedisURL is optional. When set it backs the shared presence index
	// and the offline-notification queue.
	RedisURL string

	SendGridAPIKey string
	SendGridFrom   string

	RateLimitRPS   int
	RateLimitBurst int
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val != "" {
		return val
	}
	return def
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func MustLoad() Config {
	return Config{
		Addr:           getenv("HTTP_ADDR", ":8080"),
		Env:            getenv("APP_ENV", "dev"),
		JWTSecret:      getenv("JWT_SECRET", ""),
		JWTTTLMin:      getint("JWT_TTL_MIN", 1440),
		DBDriver:       getenv("DB_DRIVER", "sqlite"),
		SQLiteDSN:      getenv("SQLITE_DSN", "file:alumnihub.db?_pragma=foreign_keys(ON)"),
		PostgresDSN:    getenv("POSTGRES_DSN", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		SendGridAPIKey: getenv("SENDGRID_API_KEY", ""),
		SendGridFrom:   getenv("SENDGRID_FROM", ""),
		RateLimitRPS:   getint("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getint("RATE_LIMIT_BURST", 40),
	}
}
