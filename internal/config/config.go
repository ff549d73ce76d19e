package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds application configuration.
type Config struct {
	StoreBackend string
	MySQLDSN     string
	PostgresDSN  string
	RedisAddr    string

	DBMaxOpenConn     int
	DBMaxIdleConn     int
	DBConnMaxLifetime time.Duration

	LogLevel  string
	LogFormat string

	LockTimeout         time.Duration
	ScenarioFirstDelay  time.Duration
	ScenarioSecondDelay time.Duration
	StressWriters       int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		StoreBackend:        normalizeBackend(getenv("STORE_BACKEND", BackendMemory)),
		MySQLDSN:            getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/recordlocks?parseTime=true"),
		PostgresDSN:         getenv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=recordlocks port=5432 sslmode=disable"),
		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		DBMaxOpenConn:       getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBMaxIdleConn:       getenvInt("DATABASE_MAX_IDLE_CONN", 25),
		DBConnMaxLifetime:   getenvDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		LogLevel:            strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getenv("LOG_FORMAT", "json")),
		LockTimeout:         getenvDuration("LOCK_TIMEOUT", 10*time.Second),
		ScenarioFirstDelay:  getenvDuration("SCENARIO_FIRST_DELAY", time.Second),
		ScenarioSecondDelay: getenvDuration("SCENARIO_SECOND_DELAY", 3*time.Second),
		StressWriters:       getenvInt("STRESS_WRITERS", 50),
	}
}

func normalizeBackend(raw string) string {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case BackendMySQL, BackendPostgres, BackendRedis:
		return value
	default:
		return BackendMemory
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
