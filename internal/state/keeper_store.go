package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/elys-network/lsv/internal/types"
)

// SaveKeeper replaces the stored keeper state and reward syncs in one transaction.
func (s *Store) SaveKeeper(ctx context.Context, snapshot types.KeeperSnapshot) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO keeper_state (id, rewards_root, prev_rewards_root, rewards_nonce, last_rewards_timestamp, rewards_delay_seconds, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			rewards_root = EXCLUDED.rewards_root,
			prev_rewards_root = EXCLUDED.prev_rewards_root,
			rewards_nonce = EXCLUDED.rewards_nonce,
			last_rewards_timestamp = EXCLUDED.last_rewards_timestamp,
			rewards_delay_seconds = EXCLUDED.rewards_delay_seconds,
			updated_at = CURRENT_TIMESTAMP;`,
		snapshot.RewardsRoot.Hex(), snapshot.PrevRewardsRoot.Hex(), int64(snapshot.RewardsNonce),
		nullTime(snapshot.LastRewardsTimestamp), int64(snapshot.RewardsDelay/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert keeper_state: %w", err)
	}

	var (
		vaults                  []string
		rewardNonces, mevNonces []int64
		rewards, mevRewards     []string
	)
	seen := make(map[common.Address]struct{})
	appendSync := func(vault common.Address) {
		if _, ok := seen[vault]; ok {
			return
		}
		seen[vault] = struct{}{}
		reward, ok := snapshot.Rewards[vault]
		if !ok {
			reward = types.RewardSync{Reward: math.ZeroInt()}
		}
		mev, ok := snapshot.UnlockedMevRewards[vault]
		if !ok {
			mev = types.RewardSync{Reward: math.ZeroInt()}
		}
		vaults = append(vaults, vault.Hex())
		rewardNonces = append(rewardNonces, int64(reward.Nonce))
		rewards = append(rewards, amountString(reward.Reward))
		mevNonces = append(mevNonces, int64(mev.Nonce))
		mevRewards = append(mevRewards, amountString(mev.Reward))
	}
	for vault := range snapshot.Rewards {
		appendSync(vault)
	}
	for vault := range snapshot.UnlockedMevRewards {
		appendSync(vault)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM reward_syncs;`); err != nil {
		return fmt.Errorf("failed to clear reward_syncs: %w", err)
	}
	if len(vaults) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reward_syncs (vault_address, reward_nonce, reward, mev_nonce, mev_reward)
			SELECT unnest($1::text[]), unnest($2::bigint[]), unnest($3::numeric[]), unnest($4::bigint[]), unnest($5::numeric[]);`,
			pq.Array(vaults), pq.Array(rewardNonces), pq.Array(rewards), pq.Array(mevNonces), pq.Array(mevRewards))
		if err != nil {
			return fmt.Errorf("failed to insert reward_syncs: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit keeper state: %w", err)
	}
	return nil
}

// LoadKeeper reads the stored keeper state. It returns nil when the keeper was never saved.
func (s *Store) LoadKeeper(ctx context.Context) (*types.KeeperSnapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	var (
		root, prevRoot string
		nonce, delay   int64
		lastTimestamp  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT rewards_root, prev_rewards_root, rewards_nonce, last_rewards_timestamp, rewards_delay_seconds
		FROM keeper_state WHERE id = 1;`,
	).Scan(&root, &prevRoot, &nonce, &lastTimestamp, &delay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load keeper_state: %w", err)
	}

	snapshot := &types.KeeperSnapshot{
		RewardsRoot:        common.HexToHash(root),
		PrevRewardsRoot:    common.HexToHash(prevRoot),
		RewardsNonce:       uint64(nonce),
		RewardsDelay:       time.Duration(delay) * time.Second,
		Rewards:            make(map[common.Address]types.RewardSync),
		UnlockedMevRewards: make(map[common.Address]types.RewardSync),
	}
	if lastTimestamp.Valid {
		snapshot.LastRewardsTimestamp = lastTimestamp.Time
	}

	rows, err := s.db.QueryContext(ctx, `SELECT vault_address, reward_nonce, reward, mev_nonce, mev_reward FROM reward_syncs;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward_syncs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			vault                 string
			rewardNonce, mevNonce int64
			rawReward, rawMev     string
		)
		if err := rows.Scan(&vault, &rewardNonce, &rawReward, &mevNonce, &rawMev); err != nil {
			return nil, fmt.Errorf("failed to scan reward_syncs row: %w", err)
		}
		reward, err := parseAmount(rawReward)
		if err != nil {
			return nil, err
		}
		mev, err := parseAmount(rawMev)
		if err != nil {
			return nil, err
		}
		addr := common.HexToAddress(vault)
		if rewardNonce != 0 {
			snapshot.Rewards[addr] = types.RewardSync{Nonce: uint64(rewardNonce), Reward: reward}
		}
		if mevNonce != 0 {
			snapshot.UnlockedMevRewards[addr] = types.RewardSync{Nonce: uint64(mevNonce), Reward: mev}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reward_syncs: %w", err)
	}
	return snapshot, nil
}
