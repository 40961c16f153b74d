/*

Versioned schema migrations.

Each migration runs in its own transaction together with the insert into schema_migrations that
records it, so a failed migration leaves the schema at the previous version. Migrations are
append-only: never edit one that has shipped, add the next version instead.

*/

package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "vault and keeper state",
		sql: `
			CREATE TABLE IF NOT EXISTS vault_state (
				vault_address CHAR(42) PRIMARY KEY,
				fee_recipient CHAR(42) NOT NULL,
				fee_percent INTEGER NOT NULL,
				capacity NUMERIC(78, 0) NOT NULL,
				exit_queue_update_delay_seconds BIGINT NOT NULL,
				total_shares NUMERIC(78, 0) NOT NULL,
				total_assets NUMERIC(78, 0) NOT NULL,
				queued_shares NUMERIC(78, 0) NOT NULL,
				unclaimed_assets NUMERIC(78, 0) NOT NULL,
				liquidity NUMERIC(78, 0) NOT NULL,
				exit_queue_next_update TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS vault_balances (
				vault_address CHAR(42) NOT NULL REFERENCES vault_state(vault_address),
				holder CHAR(42) NOT NULL,
				shares NUMERIC(78, 0) NOT NULL CHECK (shares > 0),
				PRIMARY KEY (vault_address, holder)
			);

			CREATE TABLE IF NOT EXISTS vault_allowances (
				vault_address CHAR(42) NOT NULL REFERENCES vault_state(vault_address),
				owner CHAR(42) NOT NULL,
				spender CHAR(42) NOT NULL,
				shares NUMERIC(78, 0) NOT NULL CHECK (shares > 0),
				PRIMARY KEY (vault_address, owner, spender)
			);

			CREATE TABLE IF NOT EXISTS exit_checkpoints (
				vault_address CHAR(42) NOT NULL REFERENCES vault_state(vault_address),
				checkpoint_index INTEGER NOT NULL,
				cumulative_tickets NUMERIC(78, 0) NOT NULL,
				exited_assets NUMERIC(78, 0) NOT NULL,
				PRIMARY KEY (vault_address, checkpoint_index)
			);

			CREATE TABLE IF NOT EXISTS exit_requests (
				vault_address CHAR(42) NOT NULL REFERENCES vault_state(vault_address),
				receiver CHAR(42) NOT NULL,
				position_ticket NUMERIC(78, 0) NOT NULL,
				shares NUMERIC(78, 0) NOT NULL CHECK (shares > 0),
				PRIMARY KEY (vault_address, receiver, position_ticket)
			);

			CREATE TABLE IF NOT EXISTS keeper_state (
				id INTEGER PRIMARY KEY DEFAULT 1,
				rewards_root CHAR(66) NOT NULL,
				prev_rewards_root CHAR(66) NOT NULL,
				rewards_nonce BIGINT NOT NULL,
				last_rewards_timestamp TIMESTAMPTZ,
				rewards_delay_seconds BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				CONSTRAINT single_row_check CHECK (id = 1)
			);

			CREATE TABLE IF NOT EXISTS reward_syncs (
				vault_address CHAR(42) PRIMARY KEY,
				reward_nonce BIGINT NOT NULL,
				reward NUMERIC(78, 0) NOT NULL,
				mev_nonce BIGINT NOT NULL,
				mev_reward NUMERIC(78, 0) NOT NULL
			);

			CREATE TABLE IF NOT EXISTS harvest_records (
				harvest_id UUID PRIMARY KEY,
				vault_address CHAR(42) NOT NULL,
				rewards_root CHAR(66) NOT NULL,
				rewards_nonce BIGINT NOT NULL,
				total_assets_delta NUMERIC(78, 0) NOT NULL,
				unlocked_mev_delta NUMERIC(78, 0) NOT NULL,
				fee_shares NUMERIC(78, 0) NOT NULL,
				harvested_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_harvest_records_harvested_at ON harvest_records(harvested_at DESC);
		`,
	},
	{
		version: 2,
		name:    "asset transfer outbox",
		sql: `
			CREATE TABLE IF NOT EXISTS asset_transfers (
				transfer_id UUID PRIMARY KEY,
				vault_address CHAR(42) NOT NULL,
				direction VARCHAR(16) NOT NULL,
				counterparty CHAR(42) NOT NULL,
				amount NUMERIC(78, 0) NOT NULL CHECK (amount > 0),
				status VARCHAR(16) NOT NULL DEFAULT 'pending',
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_asset_transfers_pending ON asset_transfers(status, created_at) WHERE status = 'pending';
			CREATE INDEX IF NOT EXISTS idx_harvest_records_vault ON harvest_records(vault_address, rewards_nonce DESC);
		`,
	},
}

// LatestSchemaVersion is the version Migrate brings a database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every migration newer than the recorded schema version and returns how many
// were applied.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return applied, err
		}
		applied++
		log.Info().Int("version", m.version).Str("name", m.name).Msg("Applied schema migration")
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2);`, m.version, m.name); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}
