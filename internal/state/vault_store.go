// ./internal/state/vault_store.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lsv/internal/types"
)

// Store persists vault and keeper state in PostgreSQL. It implements vault.Persister and
// oracle.Persister.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open connection pool, usually the global DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveVault replaces the stored state of a vault and queues transfers in the outbox, in one
// transaction. Checkpoints are append-only so only the ones not stored yet are inserted; rows
// past the snapshot's log are dropped, which only happens when an uncommitted settlement was
// reverted.
func (s *Store) SaveVault(ctx context.Context, snapshot types.VaultSnapshot, transfers []types.AssetTransfer) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	vault := snapshot.Params.Address.Hex()
	for _, t := range transfers {
		if t.Assets.IsNil() || !t.Assets.IsPositive() {
			return fmt.Errorf("transfer amount must be positive, got %s", t.Assets)
		}
		if _, err := uuid.Parse(t.ID); err != nil {
			return fmt.Errorf("transfer id %q: %w", t.ID, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault_state (
			vault_address, fee_recipient, fee_percent, capacity, exit_queue_update_delay_seconds,
			total_shares, total_assets, queued_shares, unclaimed_assets, liquidity,
			exit_queue_next_update, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, CURRENT_TIMESTAMP)
		ON CONFLICT (vault_address) DO UPDATE SET
			fee_recipient = EXCLUDED.fee_recipient,
			fee_percent = EXCLUDED.fee_percent,
			capacity = EXCLUDED.capacity,
			exit_queue_update_delay_seconds = EXCLUDED.exit_queue_update_delay_seconds,
			total_shares = EXCLUDED.total_shares,
			total_assets = EXCLUDED.total_assets,
			queued_shares = EXCLUDED.queued_shares,
			unclaimed_assets = EXCLUDED.unclaimed_assets,
			liquidity = EXCLUDED.liquidity,
			exit_queue_next_update = EXCLUDED.exit_queue_next_update,
			updated_at = CURRENT_TIMESTAMP;`,
		vault, snapshot.Params.FeeRecipient.Hex(), int(snapshot.Params.FeePercent),
		amountString(snapshot.Params.Capacity), int64(snapshot.Params.ExitQueueUpdateDelay/time.Second),
		amountString(snapshot.TotalShares), amountString(snapshot.TotalAssets), amountString(snapshot.QueuedShares),
		amountString(snapshot.UnclaimedAssets), amountString(snapshot.Liquidity),
		nullTime(snapshot.ExitQueueNextUpdate),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vault_state: %w", err)
	}

	holders, shares := make([]string, 0, len(snapshot.Balances)), make([]string, 0, len(snapshot.Balances))
	for holder, bal := range snapshot.Balances {
		holders = append(holders, holder.Hex())
		shares = append(shares, bal.String())
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM vault_balances WHERE vault_address = $1;`, vault); err != nil {
		return fmt.Errorf("failed to clear vault_balances: %w", err)
	}
	if len(holders) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vault_balances (vault_address, holder, shares)
			SELECT $1, unnest($2::text[]), unnest($3::numeric[]);`,
			vault, pq.Array(holders), pq.Array(shares))
		if err != nil {
			return fmt.Errorf("failed to insert vault_balances: %w", err)
		}
	}

	var owners, spenders, allowed []string
	for owner, bySpender := range snapshot.Allowances {
		for spender, amount := range bySpender {
			owners = append(owners, owner.Hex())
			spenders = append(spenders, spender.Hex())
			allowed = append(allowed, amount.String())
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM vault_allowances WHERE vault_address = $1;`, vault); err != nil {
		return fmt.Errorf("failed to clear vault_allowances: %w", err)
	}
	if len(owners) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vault_allowances (vault_address, owner, spender, shares)
			SELECT $1, unnest($2::text[]), unnest($3::text[]), unnest($4::numeric[]);`,
			vault, pq.Array(owners), pq.Array(spenders), pq.Array(allowed))
		if err != nil {
			return fmt.Errorf("failed to insert vault_allowances: %w", err)
		}
	}

	if err = saveCheckpoints(ctx, tx, vault, snapshot.Checkpoints); err != nil {
		return err
	}

	receivers := make([]string, 0, len(snapshot.ExitRequests))
	tickets := make([]string, 0, len(snapshot.ExitRequests))
	owed := make([]string, 0, len(snapshot.ExitRequests))
	for _, req := range snapshot.ExitRequests {
		receivers = append(receivers, req.Receiver.Hex())
		tickets = append(tickets, req.PositionTicket.String())
		owed = append(owed, req.Shares.String())
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM exit_requests WHERE vault_address = $1;`, vault); err != nil {
		return fmt.Errorf("failed to clear exit_requests: %w", err)
	}
	if len(receivers) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exit_requests (vault_address, receiver, position_ticket, shares)
			SELECT $1, unnest($2::text[]), unnest($3::numeric[]), unnest($4::numeric[]);`,
			vault, pq.Array(receivers), pq.Array(tickets), pq.Array(owed))
		if err != nil {
			return fmt.Errorf("failed to insert exit_requests: %w", err)
		}
	}

	if err = queueTransfers(ctx, tx, vault, transfers); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vault state: %w", err)
	}
	for _, t := range transfers {
		log.Debug().
			Str("transfer_id", t.ID).
			Str("direction", t.Direction).
			Str("counterparty", t.Counterparty.Hex()).
			Str("amount", t.Assets.String()).
			Msg("Asset transfer queued")
	}
	return nil
}

func saveCheckpoints(ctx context.Context, tx *sql.Tx, vault string, checkpoints []types.Checkpoint) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM exit_checkpoints WHERE vault_address = $1 AND checkpoint_index >= $2;`, vault, len(checkpoints)); err != nil {
		return fmt.Errorf("failed to trim exit_checkpoints: %w", err)
	}
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM exit_checkpoints WHERE vault_address = $1;`, vault).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count exit_checkpoints: %w", err)
	}
	if stored >= len(checkpoints) {
		return nil
	}

	pending := checkpoints[stored:]
	indexes := make([]int64, len(pending))
	cumulative := make([]string, len(pending))
	exited := make([]string, len(pending))
	for i, cp := range pending {
		indexes[i] = int64(stored + i)
		cumulative[i] = cp.CumulativeTickets.String()
		exited[i] = cp.ExitedAssets.String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO exit_checkpoints (vault_address, checkpoint_index, cumulative_tickets, exited_assets)
		SELECT $1, unnest($2::integer[]), unnest($3::numeric[]), unnest($4::numeric[]);`,
		vault, pq.Array(indexes), pq.Array(cumulative), pq.Array(exited))
	if err != nil {
		return fmt.Errorf("failed to insert exit_checkpoints: %w", err)
	}
	return nil
}

// LoadVault reads the stored state of a vault. It returns nil when the vault was never saved.
func (s *Store) LoadVault(ctx context.Context, address common.Address) (*types.VaultSnapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	vault := address.Hex()

	var (
		feeRecipient                                              string
		feePercent                                                int
		delaySeconds                                              int64
		capacity, totalShares, totalAssets, queued, unclaimed, liq string
		nextUpdate                                                sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fee_recipient, fee_percent, capacity, exit_queue_update_delay_seconds,
			total_shares, total_assets, queued_shares, unclaimed_assets, liquidity, exit_queue_next_update
		FROM vault_state WHERE vault_address = $1;`, vault,
	).Scan(&feeRecipient, &feePercent, &capacity, &delaySeconds, &totalShares, &totalAssets, &queued, &unclaimed, &liq, &nextUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vault_state: %w", err)
	}

	snapshot := &types.VaultSnapshot{
		Params: types.VaultParams{
			Address:              address,
			FeeRecipient:         common.HexToAddress(feeRecipient),
			FeePercent:           uint16(feePercent),
			ExitQueueUpdateDelay: time.Duration(delaySeconds) * time.Second,
		},
		Balances:   make(map[common.Address]math.Int),
		Allowances: make(map[common.Address]map[common.Address]math.Int),
	}
	if nextUpdate.Valid {
		snapshot.ExitQueueNextUpdate = nextUpdate.Time
	}
	for _, f := range []struct {
		dst *math.Int
		raw string
	}{
		{&snapshot.Params.Capacity, capacity},
		{&snapshot.TotalShares, totalShares},
		{&snapshot.TotalAssets, totalAssets},
		{&snapshot.QueuedShares, queued},
		{&snapshot.UnclaimedAssets, unclaimed},
		{&snapshot.Liquidity, liq},
	} {
		if *f.dst, err = parseAmount(f.raw); err != nil {
			return nil, err
		}
	}

	if err := s.loadBalances(ctx, vault, snapshot); err != nil {
		return nil, err
	}
	if err := s.loadAllowances(ctx, vault, snapshot); err != nil {
		return nil, err
	}
	if err := s.loadCheckpoints(ctx, vault, snapshot); err != nil {
		return nil, err
	}
	if err := s.loadExitRequests(ctx, vault, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Store) loadBalances(ctx context.Context, vault string, snapshot *types.VaultSnapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT holder, shares FROM vault_balances WHERE vault_address = $1;`, vault)
	if err != nil {
		return fmt.Errorf("failed to query vault_balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var holder, raw string
		if err := rows.Scan(&holder, &raw); err != nil {
			return fmt.Errorf("failed to scan vault_balances row: %w", err)
		}
		shares, err := parseAmount(raw)
		if err != nil {
			return err
		}
		snapshot.Balances[common.HexToAddress(holder)] = shares
	}
	return rows.Err()
}

func (s *Store) loadAllowances(ctx context.Context, vault string, snapshot *types.VaultSnapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT owner, spender, shares FROM vault_allowances WHERE vault_address = $1;`, vault)
	if err != nil {
		return fmt.Errorf("failed to query vault_allowances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner, spender, raw string
		if err := rows.Scan(&owner, &spender, &raw); err != nil {
			return fmt.Errorf("failed to scan vault_allowances row: %w", err)
		}
		shares, err := parseAmount(raw)
		if err != nil {
			return err
		}
		o := common.HexToAddress(owner)
		if snapshot.Allowances[o] == nil {
			snapshot.Allowances[o] = make(map[common.Address]math.Int)
		}
		snapshot.Allowances[o][common.HexToAddress(spender)] = shares
	}
	return rows.Err()
}

func (s *Store) loadCheckpoints(ctx context.Context, vault string, snapshot *types.VaultSnapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cumulative_tickets, exited_assets FROM exit_checkpoints
		WHERE vault_address = $1 ORDER BY checkpoint_index ASC;`, vault)
	if err != nil {
		return fmt.Errorf("failed to query exit_checkpoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rawTickets, rawAssets string
		if err := rows.Scan(&rawTickets, &rawAssets); err != nil {
			return fmt.Errorf("failed to scan exit_checkpoints row: %w", err)
		}
		tickets, err := parseAmount(rawTickets)
		if err != nil {
			return err
		}
		assets, err := parseAmount(rawAssets)
		if err != nil {
			return err
		}
		snapshot.Checkpoints = append(snapshot.Checkpoints, types.Checkpoint{CumulativeTickets: tickets, ExitedAssets: assets})
	}
	return rows.Err()
}

func (s *Store) loadExitRequests(ctx context.Context, vault string, snapshot *types.VaultSnapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT receiver, position_ticket, shares FROM exit_requests
		WHERE vault_address = $1 ORDER BY position_ticket ASC;`, vault)
	if err != nil {
		return fmt.Errorf("failed to query exit_requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var receiver, rawTicket, rawShares string
		if err := rows.Scan(&receiver, &rawTicket, &rawShares); err != nil {
			return fmt.Errorf("failed to scan exit_requests row: %w", err)
		}
		ticket, err := parseAmount(rawTicket)
		if err != nil {
			return err
		}
		shares, err := parseAmount(rawShares)
		if err != nil {
			return err
		}
		snapshot.ExitRequests = append(snapshot.ExitRequests, types.ExitRequest{
			Receiver:       common.HexToAddress(receiver),
			PositionTicket: ticket,
			Shares:         shares,
		})
	}
	return rows.Err()
}

func amountString(x math.Int) string {
	if x.IsNil() {
		return "0"
	}
	return x.String()
}

func parseAmount(raw string) (math.Int, error) {
	x, ok := math.NewIntFromString(raw)
	if !ok {
		return math.ZeroInt(), fmt.Errorf("stored amount %q is not an integer", raw)
	}
	return x, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
