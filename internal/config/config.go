package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBSource        string
	Port            string
	Env             string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	shutdownTimeout := 10 * time.Second
	if raw := os.Getenv("SHUTDOWN_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		shutdownTimeout = parsed
	}

	return &Config{
		DBSource:        dbSource,
		Port:            port,
		Env:             env,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}
