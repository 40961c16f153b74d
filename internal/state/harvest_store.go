package state

import (
	"context"
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lsv/internal/types"
)

// RecordHarvest appends an audit entry for an applied harvest.
func (s *Store) RecordHarvest(ctx context.Context, record types.HarvestRecord) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return fmt.Errorf("invalid harvest id %q: %w", record.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO harvest_records (
			harvest_id, vault_address, rewards_root, rewards_nonce,
			total_assets_delta, unlocked_mev_delta, fee_shares, harvested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`,
		id.String(), record.Vault.Hex(), record.RewardsRoot.Hex(), int64(record.Nonce),
		amountString(record.TotalAssetsDelta), amountString(record.UnlockedMevDelta), amountString(record.FeeShares),
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save harvest record: %w", err)
	}

	log.Debug().
		Str("harvest_id", record.ID).
		Str("vault", record.Vault.Hex()).
		Uint64("nonce", record.Nonce).
		Msg("Harvest record saved to database")
	return nil
}

// RecentHarvests returns the latest harvest records, newest first.
func (s *Store) RecentHarvests(ctx context.Context, limit int) ([]types.HarvestRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT harvest_id, vault_address, rewards_root, rewards_nonce,
			total_assets_delta, unlocked_mev_delta, fee_shares, harvested_at
		FROM harvest_records ORDER BY harvested_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query harvest records: %w", err)
	}
	defer rows.Close()

	var records []types.HarvestRecord
	for rows.Next() {
		var (
			id, vault, root             string
			nonce                       int64
			rawDelta, rawMev, rawShares string
			harvestedAt                 time.Time
		)
		if err := rows.Scan(&id, &vault, &root, &nonce, &rawDelta, &rawMev, &rawShares, &harvestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan harvest record: %w", err)
		}
		amounts := make([]math.Int, 3)
		for i, raw := range []string{rawDelta, rawMev, rawShares} {
			if amounts[i], err = parseAmount(raw); err != nil {
				return nil, err
			}
		}
		records = append(records, types.HarvestRecord{
			ID:               id,
			Vault:            common.HexToAddress(vault),
			RewardsRoot:      common.HexToHash(root),
			Nonce:            uint64(nonce),
			TotalAssetsDelta: amounts[0],
			UnlockedMevDelta: amounts[1],
			FeeShares:        amounts[2],
			Timestamp:        harvestedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate harvest records: %w", err)
	}
	return records, nil
}
