package util

import (
	"os"
	"strconv"

	"github.com/graphloom/loom/backend/pkg/logger"

	"github.com/joho/godotenv"
)

// LoadEnv merges a .env file into the process environment when one
// exists. Variables already set in the environment win over the file.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

// GetEnv returns the value of key, or "" when unset. Use it for
// variables whose absence is meaningful (feature toggles like
// DATABASE_URL or AUTH_URL).
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetEnvString returns the value of key, falling back to def when the
// variable is unset. An explicitly empty value is returned as is.
func GetEnvString(key string, def string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return def
}

// GetEnvNumeric parses key as a float, falling back to def when the
// variable is unset or malformed. Malformed values are logged so a
// typo in a deployment does not silently change tuning.
func GetEnvNumeric(key string, def int) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return float64(def)
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logger.Warn("Ignoring non-numeric environment variable", "key", key, "value", value)
		return float64(def)
	}
	return parsed
}

// GetEnvBool parses key with strconv.ParseBool semantics, falling back
// to def when the variable is unset or not a recognized boolean.
func GetEnvBool(key string, def bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logger.Warn("Ignoring non-boolean environment variable", "key", key, "value", value)
		return def
	}
	return parsed
}
