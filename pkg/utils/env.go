package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv loads the .env file matching the running mode (.env.development,
// .env.production ...), falling back to plain .env.
func LoadEnv(mode string) error {
	if mode != "" {
		name := fmt.Sprintf(".env.%s", mode)
		if _, err := os.Stat(name); err == nil {
			return godotenv.Load(name)
		}
	}
	return godotenv.Load()
}

// GetEnv returns the raw environment value, empty string when unset.
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetStringOrDefault returns the environment value or def when unset/empty.
func GetStringOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetIntOrDefault returns the environment value as int or def.
func GetIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		return cast.ToInt(v)
	}
	return def
}

// GetBoolOrDefault returns the environment value as bool or def.
func GetBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return cast.ToBool(v)
	}
	return def
}

// GetDurationOrDefault returns the environment value as duration or def.
// Accepts anything cast understands ("3s", "500ms", plain nanosecond ints).
func GetDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d := cast.ToDuration(v); d != 0 {
			return d
		}
	}
	return def
}
