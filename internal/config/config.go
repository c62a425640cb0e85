package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                     string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	RelayChannel             string
	RelayInterval            time.Duration
	RelayBatchSize           int
	RateLimitPerMinute       int
	RateLimitBurst           int
	MemberRateLimitPerMinute int
	MemberRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  readInt("REDIS_DB", 0),
		RelayChannel:             readString("RELAY_CHANNEL", "queue-events"),
		RelayInterval:            readDurationSeconds("RELAY_INTERVAL_SECONDS", 5),
		RelayBatchSize:           readInt("RELAY_BATCH_SIZE", 50),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		MemberRateLimitPerMinute: readInt("MEMBER_RATE_LIMIT_PER_MIN", 600),
		MemberRateLimitBurst:     readInt("MEMBER_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
