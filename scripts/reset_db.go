package main

import (
	"os"

	"github.com/elys-network/lsv/internal/config"
	"github.com/elys-network/lsv/internal/logger"
	"github.com/elys-network/lsv/internal/state"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Initialize logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Initialize(logLevel, ""); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	log.Info().Msg("Starting database reset script...")

	// Load environment variables from .env file
	err := godotenv.Load()
	if err != nil {
		log.Warn().Msg("Warning: .env file not found or error loading .env file. Relying on OS environment variables.")
	}

	dbCfg, err := config.LoadDBConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid database configuration")
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("user", dbCfg.User).
		Str("dbname", dbCfg.DBName).
		Msg("Connecting to database")

	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database connection")
	}
	defer state.CloseDB()

	log.Info().Msg("Connected to database. Attempting to drop all tables...")

	// Drop all tables - this is the "reset" part
	dropTablesQuery := `
		DROP TABLE IF EXISTS asset_transfers CASCADE;
		DROP TABLE IF EXISTS harvest_records CASCADE;
		DROP TABLE IF EXISTS reward_syncs CASCADE;
		DROP TABLE IF EXISTS keeper_state CASCADE;
		DROP TABLE IF EXISTS exit_requests CASCADE;
		DROP TABLE IF EXISTS exit_checkpoints CASCADE;
		DROP TABLE IF EXISTS vault_allowances CASCADE;
		DROP TABLE IF EXISTS vault_balances CASCADE;
		DROP TABLE IF EXISTS vault_state CASCADE;
		DROP TABLE IF EXISTS schema_migrations CASCADE;
	`

	_, err = state.DB.Exec(dropTablesQuery)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}
	log.Info().Msg("Successfully dropped all tables")

	// Recreate the schema
	log.Info().Msg("Recreating database schema...")
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recreate database schema")
	}
	log.Info().Msg("Database schema successfully recreated")

	log.Info().Msg("Database reset complete!")
}
