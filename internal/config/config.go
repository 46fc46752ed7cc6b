package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port     string
	LogLevel string

	// Driver is one of "postgres", "sqlite3" or "memory".
	Driver      string
	DatabaseURL string

	MasterPortfolio  string
	FuzzyThreshold   int
	CandidateLimit   int
	LedgerMaxRetries int
	ImportWorkers    int

	FeeSchedulePath     string
	FXBaseURL           string
	FXRatesPath         string
	FXCacheTTL          time.Duration
	PriceUpdateInterval time.Duration
	SnapshotTTL         time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Load reads .env when present, then the process environment. Missing or
// malformed values fall back to defaults with a warning.
func Load(log *logrus.Logger) *Config {
	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	c := &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Driver:              getEnv("DB_DRIVER", "postgres"),
		DatabaseURL:         getEnv("POSTGRES_URL", ""),
		MasterPortfolio:     getEnv("MASTER_PORTFOLIO", "IND Stock Portfolio"),
		FuzzyThreshold:      getEnvAsInt(log, "FUZZY_THRESHOLD", 80),
		CandidateLimit:      getEnvAsInt(log, "FUZZY_CANDIDATES", 5),
		LedgerMaxRetries:    getEnvAsInt(log, "LEDGER_MAX_RETRIES", 5),
		ImportWorkers:       getEnvAsInt(log, "IMPORT_WORKERS", 8),
		FeeSchedulePath:     getEnv("FEE_SCHEDULE_PATH", "fees.yaml"),
		FXBaseURL:           getEnv("FX_BASE_URL", "https://api.exchangerate-api.com/v4/latest/"),
		FXRatesPath:         getEnv("FX_RATES_PATH", "$.rates"),
		FXCacheTTL:          getEnvAsDuration(log, "FX_CACHE_TTL", time.Hour),
		PriceUpdateInterval: getEnvAsDuration(log, "PRICE_UPDATE_INTERVAL", time.Hour),
		SnapshotTTL:         getEnvAsDuration(log, "DIRECTORY_SNAPSHOT_TTL", 5*time.Minute),
		RateLimitPerSecond:  getEnvAsFloat(log, "RATE_LIMIT_RPS", 10),
		RateLimitBurst:      getEnvAsInt(log, "RATE_LIMIT_BURST", 30),
	}
	if c.Driver == "sqlite3" && c.DatabaseURL == "" {
		c.DatabaseURL = getEnv("SQLITE_PATH", "./holdings.db")
	}
	return c
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(log *logrus.Logger, key string, fallback int) int {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		log.Warnf("invalid %s %q, using default %d", key, s, fallback)
		return fallback
	}
	return v
}

func getEnvAsFloat(log *logrus.Logger, key string, fallback float64) float64 {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		log.Warnf("invalid %s %q, using default %v", key, s, fallback)
		return fallback
	}
	return v
}

func getEnvAsDuration(log *logrus.Logger, key string, fallback time.Duration) time.Duration {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		log.Warnf("invalid %s %q, using default %s", key, s, fallback)
		return fallback
	}
	return v
}
