// Package config loads fastPort's env-level configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized env-level key from the broker's external
// interface contract. Unknown env vars are ignored.
type Config struct {
	Port              int
	MaxPayloadSize    int
	DBType            string
	MongoURI          string
	MongoDatabase     string
	CleanupInterval   time.Duration
	APIRateLimit      int
	Debug             bool
	NotifierDeadline  time.Duration
}

var config Config
var initialized = false

func defaults() Config {
	return Config{
		Port:             9443,
		MaxPayloadSize:   16 << 20,
		DBType:           "memory",
		MongoURI:         "mongodb://localhost:27017",
		MongoDatabase:    "fastport",
		CleanupInterval:  60 * time.Second,
		APIRateLimit:     0,
		Debug:            false,
		NotifierDeadline: 5 * time.Second,
	}
}

// Load reads the environment once and memoizes the result. Re-reading is
// never necessary: a running broker does not hot-reload configuration.
func Load() Config {
	if initialized {
		return config
	}
	config = defaults()

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Port = n
		}
	}
	if v := os.Getenv("MAX_PAYLOAD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxPayloadSize = n
		}
	}
	if v := os.Getenv("DB_TYPE"); v != "" {
		config.DBType = strings.ToLower(v)
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		config.MongoURI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		config.MongoDatabase = v
	}
	if v := os.Getenv("CLEANUP_INTERVAL_s"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.CleanupInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.APIRateLimit = n
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Debug = b
		}
	}
	if v := os.Getenv("NOTIFIER_DEADLINE_s"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.NotifierDeadline = time.Duration(n) * time.Second
		}
	}

	initialized = true
	return config
}

// Get returns the memoized config, loading it on first use.
func Get() Config {
	if initialized {
		return config
	}
	return Load()
}

// resetForTest clears memoization; used only by this package's tests.
func resetForTest() {
	initialized = false
	config = Config{}
}
