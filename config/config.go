// Package config loads application settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all values the controller needs at startup. Every field has
// an environment-variable source and a sane default so the service can run
// standalone without a .env file.
type Config struct {
	Port               string
	SpotifyClientID    string
	BaseURL            string
	SessionSecret      string
	DBPath             string
	QueueBufferSize    int
	PollInterval       time.Duration
	RemoteConnTimeout  time.Duration
	RemoteReadTimeout  time.Duration
}

// Load reads a .env file if present (missing file is not an error) and
// returns a Config populated from the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8000"),
		SpotifyClientID:   getEnv("SPOTIFY_CLIENT_ID", ""),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8000"),
		SessionSecret:     getEnv("SESSION_SECRET", "change-me"),
		DBPath:            getEnv("DB_PATH", "./data/true_shuffle.db"),
		QueueBufferSize:   getEnvAsInt("QUEUE_BUFFER_SIZE", 5),
		PollInterval:      getEnvAsDuration("POLL_INTERVAL", 3*time.Second),
		RemoteConnTimeout: getEnvAsDuration("REMOTE_CONN_TIMEOUT", 10*time.Second),
		RemoteReadTimeout: getEnvAsDuration("REMOTE_READ_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultVal int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}
