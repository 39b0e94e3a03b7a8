package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NATSUrl     string

	GoogleClientID     string
	GoogleClientSecret string

	SyncTickInterval   time.Duration
	MaxConcurrentSyncs int
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	tick := 15 * time.Second
	if raw := os.Getenv("SYNC_TICK_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			tick = parsed
		}
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=unibox port=5432 sslmode=disable"),
		RedisURL:           getEnv("REDIS_URL", ""),
		NATSUrl:            getEnv("NATS_URL", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		SyncTickInterval:   tick,
		MaxConcurrentSyncs: getEnvInt("MAX_CONCURRENT_SYNCS", 5),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
