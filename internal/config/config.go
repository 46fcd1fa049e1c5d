package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration of the experiment service.
// Values are sourced from environment variables (optionally via a .env
// file) with defaults where appropriate.
type Config struct {
	AdminUser     string
	AdminPassword string

	DatabaseURL string
	ListenAddr  string

	// ClientAPIKey is a bootstrap bearer token for client routes. Empty
	// means no key is provisioned at startup.
	ClientAPIKey string

	// RetentionDays is the age after which stopped and completed
	// experiments are purged by the retention worker.
	RetentionDays int

	MinSampleSize     int
	SignificanceLevel float64

	// KafkaBrokers enables notification publishing when non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	LogLevel    string
	Aggregation bool
}

// Load reads a .env file if present and then the environment.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() *Config {
	cfg := &Config{
		AdminUser:         getenv("APP_ADMIN_USER", "admin"),
		AdminPassword:     getenv("APP_ADMIN_PASSWORD", "changeme"),
		DatabaseURL:       os.Getenv("APP_DATABASE_URL"),
		ListenAddr:        getenv("APP_LISTEN_ADDR", ":8080"),
		ClientAPIKey:      os.Getenv("APP_CLIENT_API_KEY"),
		RetentionDays:     90,
		MinSampleSize:     100,
		SignificanceLevel: 0.05,
		KafkaTopic:        getenv("APP_KAFKA_TOPIC", "experiment-events"),
		LogLevel:          getenv("APP_LOG_LEVEL", "info"),
		Aggregation:       true,
	}

	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("APP_MIN_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MinSampleSize = n
		}
	}
	if v := os.Getenv("APP_SIGNIFICANCE_LEVEL"); v != "" {
		if alpha, err := strconv.ParseFloat(v, 64); err == nil && alpha > 0 && alpha < 1 {
			cfg.SignificanceLevel = alpha
		}
	}
	if v := os.Getenv("APP_AGGREGATION"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.Aggregation = on
		}
	}
	for _, b := range strings.Split(os.Getenv("APP_KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
