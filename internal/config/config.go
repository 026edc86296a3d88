package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port        string
	Environment string
	// Persistence
	DatabaseURL string
	// Generation backend
	BackendURL             string
	BackendName            string
	BackendServerFiltering bool
	// HTTP
	CORSOrigins string
	// Logging
	LogDir      string
	LogMaxFiles int
	// Debug flags
	Debug bool // Enables DEBUG log level and verbose stream diagnostics
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: env,
		DatabaseURL: getEnv("DATABASE_URL", ""),
		// Generation backend
		BackendURL:             getEnv("BACKEND_URL", "http://localhost:5001"),
		BackendName:            getEnv("BACKEND_NAME", "koboldcpp"),
		BackendServerFiltering: getEnv("BACKEND_SERVER_FILTERING", "false") == "true",
		CORSOrigins:            getEnv("CORS_ORIGINS", "http://localhost:3000"),
		// Logging
		LogDir:      getEnv("LOG_DIR", ""),
		LogMaxFiles: getEnvInt("LOG_MAX_FILES", 10),
		// Debug flags - default to true in dev/test, false in production
		Debug: getEnv("DEBUG", getDefaultDebug(env)) == "true",
	}
}

// getDefaultDebug returns the default debug setting based on environment
func getDefaultDebug(env string) string {
	if env == "prod" {
		return "false"
	}
	return "true" // Enable DEBUG in dev/test by default
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
