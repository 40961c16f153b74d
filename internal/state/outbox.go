/*

Asset transfer outbox.

The ledger never moves funds itself. Every transfer a vault operation commits to is written to
asset_transfers as a pending row in the same transaction as the vault state; an external executor
lists the pending rows, performs the transfers on chain and marks them executed.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/elys-network/lsv/internal/types"
)

const (
	StatusPending  = "pending"
	StatusExecuted = "executed"
)

// ErrTransferNotPending is returned when marking a transfer that is unknown or already executed.
var ErrTransferNotPending = errors.New("no pending transfer")

type Outbox struct {
	store *Store
	vault common.Address
}

// NewOutbox returns the transfer outbox of vault.
func (s *Store) NewOutbox(vault common.Address) *Outbox {
	return &Outbox{store: s, vault: vault}
}

func queueTransfers(ctx context.Context, tx *sql.Tx, vault string, transfers []types.AssetTransfer) error {
	if len(transfers) == 0 {
		return nil
	}
	ids := make([]string, len(transfers))
	directions := make([]string, len(transfers))
	counterparties := make([]string, len(transfers))
	amounts := make([]string, len(transfers))
	created := make([]string, len(transfers))
	for i, t := range transfers {
		ids[i] = t.ID
		directions[i] = t.Direction
		counterparties[i] = t.Counterparty.Hex()
		amounts[i] = t.Assets.String()
		created[i] = t.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO asset_transfers (transfer_id, vault_address, direction, counterparty, amount, status, created_at)
		SELECT unnest($1::uuid[]), $2, unnest($3::text[]), unnest($4::text[]), unnest($5::numeric[]), $6, unnest($7::timestamptz[]);`,
		pq.Array(ids), vault, pq.Array(directions), pq.Array(counterparties), pq.Array(amounts), StatusPending, pq.Array(created))
	if err != nil {
		return fmt.Errorf("failed to queue asset transfers: %w", err)
	}
	return nil
}

// Pending lists the transfers not executed yet, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]types.AssetTransfer, error) {
	if o.store.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := o.store.db.QueryContext(ctx, `
		SELECT transfer_id, direction, counterparty, amount, created_at
		FROM asset_transfers WHERE vault_address = $1 AND status = $2
		ORDER BY created_at, transfer_id;`, o.vault.Hex(), StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transfers: %w", err)
	}
	defer rows.Close()

	transfers := []types.AssetTransfer{}
	for rows.Next() {
		var (
			t                    types.AssetTransfer
			counterparty, amount string
		)
		if err := rows.Scan(&t.ID, &t.Direction, &counterparty, &amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending transfer: %w", err)
		}
		if t.Assets, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("transfer %s: %w", t.ID, err)
		}
		t.Counterparty = common.HexToAddress(counterparty)
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending transfers: %w", err)
	}
	return transfers, nil
}

// MarkExecuted flags a transfer as done by the executor.
func (o *Outbox) MarkExecuted(ctx context.Context, id string) error {
	if o.store.db == nil {
		return fmt.Errorf("database not initialized")
	}
	res, err := o.store.db.ExecContext(ctx, `
		UPDATE asset_transfers SET status = $1 WHERE transfer_id = $2 AND vault_address = $3 AND status = $4;`,
		StatusExecuted, id, o.vault.Hex(), StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark transfer %s executed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w %s", ErrTransferNotPending, id)
	}
	return nil
}
