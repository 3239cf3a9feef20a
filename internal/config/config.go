package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	JWTSecret   string
	MongoURI    string
	DBName      string
	SkipAuth    bool
	Environment string
	AppId       string

	// Business
	BusinessName     string
	BusinessTimezone string // IANA zone used for all event mapping

	// Google OAuth / Calendar
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	WebhookBaseURL     string // public base URL Google pushes notifications to

	// Sync engine tunables
	SyncWorkers            int
	SyncMaxAttempts        int
	SyncBackoffBase        time.Duration
	SyncBackoffCap         time.Duration
	SyncRequestTimeout     time.Duration
	FingerprintGranularity time.Duration
	ImminentHorizon        time.Duration
	AutoPauseThreshold     int
	AutoPauseWindow        time.Duration
	QuotaDailyBudget       int64
	ChannelRenewalLead     time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:      getEnv("DB_NAME", "puppyday"),
		SkipAuth:    getEnv("SKIP_AUTH", "false") == "true",
		Environment: getEnv("ENVIRONMENT", "development"),
		AppId:       getEnv("APP_ID", "puppyday"),

		BusinessName:     getEnv("BUSINESS_NAME", "The Puppy Day"),
		BusinessTimezone: getEnv("BUSINESS_TIMEZONE", "America/Los_Angeles"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/api/calendar/callback"),
		WebhookBaseURL:     getEnv("WEBHOOK_BASE_URL", ""),

		SyncWorkers:            getEnvInt("SYNC_WORKERS", 4),
		SyncMaxAttempts:        getEnvInt("SYNC_MAX_ATTEMPTS", 3),
		SyncBackoffBase:        getEnvDuration("SYNC_BACKOFF_BASE", 30*time.Second),
		SyncBackoffCap:         getEnvDuration("SYNC_BACKOFF_CAP", 15*time.Minute),
		SyncRequestTimeout:     getEnvDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		FingerprintGranularity: getEnvDuration("FINGERPRINT_GRANULARITY", 15*time.Minute),
		ImminentHorizon:        getEnvDuration("IMMINENT_HORIZON", 4*time.Hour),
		AutoPauseThreshold:     getEnvInt("AUTO_PAUSE_THRESHOLD", 5),
		AutoPauseWindow:        getEnvDuration("AUTO_PAUSE_WINDOW", 30*time.Minute),
		QuotaDailyBudget:       int64(getEnvInt("QUOTA_DAILY_BUDGET", 10000)),
		ChannelRenewalLead:     getEnvDuration("CHANNEL_RENEWAL_LEAD", 24*time.Hour),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s, using default %s", key, fallback)
	}
	return fallback
}
