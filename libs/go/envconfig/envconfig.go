// Package envconfig holds the environment lookups shared by service configs.
package envconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads .env.<service> (falling back to .env) when APP_ENV is development.
// Missing files are ignored; real environment variables always win.
func LoadDotEnv(service string) {
	if Get("APP_ENV", "development") != "development" {
		return
	}
	if err := godotenv.Load(".env." + service); err != nil {
		_ = godotenv.Load(".env")
	}
}

// IsProduction reports whether APP_ENV=production.
func IsProduction() bool {
	return Get("APP_ENV", "development") == "production"
}

func Get(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func Int(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func Int64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func Bool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func Duration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// List splits a comma separated variable, dropping blanks.
func List(key, fallback string) []string {
	return SplitAndTrim(Get(key, fallback))
}

func SplitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
