package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port         string
	RedisURL     string
	DatabaseURL  string // empty disables the results archive
	TicketSecret string
	Timings      Timings
}

// Timings are the countdown durations and limits driving the session
// phase machine. Question time limits come from the question snapshot;
// everything else lives here.
type Timings struct {
	GetReadyCountdown time.Duration
	ModifierDuration  time.Duration
	PodiumDelay       time.Duration
	FastPathDelay     time.Duration
	CleanupGrace      time.Duration
	MaxPlayers        int
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:         envOrDefault("PORT", "8010"),
		RedisURL:     envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		TicketSecret: envOrDefault("TICKET_SECRET", "dev-secret-change-me"),
		Timings: Timings{
			GetReadyCountdown: durationOrDefault("GET_READY_COUNTDOWN", 5*time.Second),
			ModifierDuration:  durationOrDefault("MODIFIER_DURATION", 4*time.Second),
			PodiumDelay:       durationOrDefault("PODIUM_DELAY", 3*time.Second),
			FastPathDelay:     durationOrDefault("FAST_PATH_DELAY", time.Second),
			CleanupGrace:      durationOrDefault("CLEANUP_GRACE", time.Minute),
			MaxPlayers:        intOrDefault("MAX_PLAYERS", 50),
		},
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func intOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
