package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string

	// Server
	Port        string
	FrontendURL string

	// Redis (optional; empty URL disables event publishing and shared caches)
	RedisURL string

	// Web-front status API
	WebfrontBaseURL          string
	ConfirmJoinsWithWebfront bool
	WebfrontCacheTTL         time.Duration

	// Queueing
	QueueCap                    int
	MaxJoinAttempts             int
	TotalJoinTimeLimit          time.Duration
	QueueProcessInterval        time.Duration
	EmptyQueuePollInterval      time.Duration
	ClearAttemptsWhenServerFull bool

	// Game server probe
	ProbeTimeout       time.Duration
	ProbeRatePerSecond int

	// Matchmaking
	MatchmakingInterval time.Duration
	MatchmakingTimeout  time.Duration

	// Security
	JWTSecret string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),

		// Server
		Port:        getEnv("APP_PORT", "8081"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),

		// Web-front
		WebfrontBaseURL:          getEnv("WEBFRONT_BASE_URL", ""),
		ConfirmJoinsWithWebfront: getEnvBool("CONFIRM_JOINS_WITH_WEBFRONT", false),
		WebfrontCacheTTL:         getEnvDuration("WEBFRONT_CACHE_TTL", 2*time.Second),

		// Queueing
		QueueCap:                    getEnvInt("QUEUE_CAP", 20),
		MaxJoinAttempts:             getEnvInt("MAX_JOIN_ATTEMPTS", 3),
		TotalJoinTimeLimit:          getEnvDuration("TOTAL_JOIN_TIME_LIMIT", 30*time.Second),
		QueueProcessInterval:        getEnvDuration("QUEUE_PROCESS_INTERVAL", time.Second),
		EmptyQueuePollInterval:      getEnvDuration("EMPTY_QUEUE_POLL_INTERVAL", 100*time.Millisecond),
		ClearAttemptsWhenServerFull: getEnvBool("CLEAR_ATTEMPTS_WHEN_SERVER_FULL", false),

		// Probe
		ProbeTimeout:       getEnvDuration("PROBE_TIMEOUT", 10*time.Second),
		ProbeRatePerSecond: getEnvInt("PROBE_RATE_PER_SECOND", 25),

		// Matchmaking
		MatchmakingInterval: getEnvDuration("MATCHMAKING_INTERVAL", 500*time.Millisecond),
		MatchmakingTimeout:  getEnvDuration("MATCHMAKING_TIMEOUT", 60*time.Second),

		// Security
		JWTSecret: getEnv("JWT_SECRET", ""),
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
