// Package config loads the client-side settings the E2EE core and its
// demo CLI need: where the Keys API lives, how long to wait for it,
// where local state is persisted, and the prekey replenishment
// thresholds.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for the prekey lifecycle controller
// and the Keys API client.
type Config struct {
	KeysAPIBaseURL string
	RequestTimeout time.Duration

	LocalStorePath string
	ServiceName    string

	OPKLowThreshold int
	OPKBatchSize    int
}

// loadEnvFiles loads .env, then .env.{NODE_ENV}, then .env.local.
// Missing files are not an error. godotenv.Load never replaces a
// variable that is already set, so a later file does not override an
// earlier one: the first file to set a variable wins, and the process
// environment wins over all three files.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load reads configuration from the environment, applying defaults
// for anything unset.
func Load() *Config {
	loadEnvFiles()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		KeysAPIBaseURL:  getEnv("PARACORD_KEYS_API_URL", "https://api.paracord.chat"),
		RequestTimeout:  getEnvDuration("PARACORD_REQUEST_TIMEOUT", 10*time.Second),
		LocalStorePath:  getEnv("PARACORD_STORE_PATH", home+"/.config/paracord/signal.db"),
		ServiceName:     getEnv("PARACORD_SERVICE_NAME", "paracord"),
		OPKLowThreshold: int(getEnvInt64("PARACORD_OPK_LOW_THRESHOLD", 20)),
		OPKBatchSize:    int(getEnvInt64("PARACORD_OPK_BATCH_SIZE", 50)),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		log.Printf("config: invalid duration %q for %s, using default %s", value, key, defaultValue)
	}
	return defaultValue
}

// MustGetEnv retrieves an environment variable or fails if not set.
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return value
}
