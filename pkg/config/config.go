// Package config loads pipeline configuration from environment
// variables, with working defaults for local development.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel          string
	DatabaseURL       string
	DataDir           string
	OTLPEndpoint      string
	OTLPEnabled       bool
	RedisAddr         string
	ProfileDir        string
	ProcessingTimeout time.Duration
	BudgetResetPeriod time.Duration
	SubmitRPS         float64
	SubmitBurst       int
	ComputeWorkers    int
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DataDir:           getenv("DATA_DIR", "./data"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:       os.Getenv("OTLP_ENABLED") == "true",
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		ProfileDir:        getenv("PROFILE_DIR", "./profiles"),
		ProcessingTimeout: getDuration("PROCESSING_TIMEOUT", 5*time.Minute),
		BudgetResetPeriod: getDuration("BUDGET_RESET_PERIOD", 30*24*time.Hour),
		SubmitRPS:         getFloat("SUBMIT_RPS", 5),
		SubmitBurst:       getInt("SUBMIT_BURST", 10),
		ComputeWorkers:    getInt("COMPUTE_WORKERS", 4),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
