package config

import (
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/elys-network/lsv/internal/state"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// WebPort serves the HTTP API and /metrics.
	WebPort int
	// GRPCPort serves the gRPC health service.
	GRPCPort int
	// Database holds the PostgreSQL connection parameters.
	Database state.DBConfig
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	if WebPort, err = getEnvAsIntOrDefault("WEB_PORT", 8080); err != nil {
		return err
	}
	if GRPCPort, err = getEnvAsIntOrDefault("GRPC_PORT", 9090); err != nil {
		return err
	}
	if Database, err = LoadDBConfig(); err != nil {
		return err
	}

	log.Debug().
		Int("WebPort", WebPort).
		Int("GRPCPort", GRPCPort).
		Str("DBHost", Database.Host).
		Str("DBName", Database.DBName).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

// LoadDBConfig reads DB_* variables. DB_USER and DB_NAME are required.
func LoadDBConfig() (state.DBConfig, error) {
	cfg := state.DBConfig{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Password: getEnvOrDefault("DB_PASSWORD", ""),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
	}
	var err error
	if cfg.Port, err = getEnvAsIntOrDefault("DB_PORT", 5432); err != nil {
		return cfg, err
	}
	if cfg.User, err = getEnv("DB_USER"); err != nil {
		return cfg, err
	}
	if cfg.DBName, err = getEnv("DB_NAME"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getEnvAsIntOrDefault(key string, fallback int) (int, error) {
	valueStr := getEnvOrDefault(key, "")
	if valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}
