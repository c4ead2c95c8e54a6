package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine settings. Every heuristic constant (windows,
// pauses, budgets) is tunable from the environment.
type Config struct {
	Addr    string
	DataDir string
	Debug   bool

	GoogleClientID     string
	GoogleClientSecret string

	// JWKSURL enables bearer-token auth on the control API when set.
	JWKSURL string

	// NATSURL enables JetStream fan-out of collected messages when set.
	NATSURL string

	SyncInterval time.Duration
	InitialDelay time.Duration

	TokenSafetyMargin time.Duration
	RetryBase         time.Duration
	CourtesyPause     time.Duration

	ChatPageSize       int64
	MailInitialMax     int64
	MailIncrementalMax int64
	MailInitialWindow  int // days
	MailFallbackWindow int // days
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Addr:    getEnv("ADDR", ":8080"),
		DataDir: getEnv("DATA_DIR", "data"),
		Debug:   os.Getenv("DEBUG") == "1",

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		JWKSURL: getEnv("JWKS_URL", ""),
		NATSURL: getEnv("NATS_URL", ""),

		SyncInterval: time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 10)) * time.Minute,
		InitialDelay: time.Duration(getEnvInt("INITIAL_DELAY_SECONDS", 10)) * time.Second,

		TokenSafetyMargin: time.Duration(getEnvInt("TOKEN_SAFETY_MARGIN_MINUTES", 5)) * time.Minute,
		RetryBase:         time.Duration(getEnvInt("RETRY_BASE_MS", 1000)) * time.Millisecond,
		CourtesyPause:     time.Duration(getEnvInt("COURTESY_PAUSE_MS", 200)) * time.Millisecond,

		ChatPageSize:       int64(getEnvInt("CHAT_PAGE_SIZE", 100)),
		MailInitialMax:     int64(getEnvInt("MAIL_INITIAL_MAX", 500)),
		MailIncrementalMax: int64(getEnvInt("MAIL_INCREMENTAL_MAX", 100)),
		MailInitialWindow:  getEnvInt("MAIL_INITIAL_WINDOW_DAYS", 30),
		MailFallbackWindow: getEnvInt("MAIL_FALLBACK_WINDOW_DAYS", 3),
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
