/*

This file contains the types for the keeper rewards oracle: the attested root state, per-vault
reward syncs and the harvest audit records written to the database.

*/

package types

import (
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// RewardSync is the last reward a vault harvested and the root nonce it was attested under.
type RewardSync struct {
	Nonce  uint64   `json:"nonce"`
	Reward math.Int `json:"reward"` // cumulative, negative after net penalties
}

// KeeperSnapshot is the complete persisted state of the keeper oracle.
type KeeperSnapshot struct {
	RewardsRoot          common.Hash   `json:"rewards_root"`
	PrevRewardsRoot      common.Hash   `json:"prev_rewards_root"`
	RewardsNonce         uint64        `json:"rewards_nonce"`
	LastRewardsTimestamp time.Time     `json:"last_rewards_timestamp"`
	RewardsDelay         time.Duration `json:"rewards_delay"`

	Rewards            map[common.Address]RewardSync `json:"rewards"`
	UnlockedMevRewards map[common.Address]RewardSync `json:"unlocked_mev_rewards"`
}

// HarvestRecord is an audit entry for an applied harvest.
type HarvestRecord struct {
	ID               string         `json:"id"`
	Vault            common.Address `json:"vault"`
	RewardsRoot      common.Hash    `json:"rewards_root"`
	Nonce            uint64         `json:"nonce"`
	TotalAssetsDelta math.Int       `json:"total_assets_delta"`
	UnlockedMevDelta math.Int       `json:"unlocked_mev_delta"`
	FeeShares        math.Int       `json:"fee_shares"`
	Timestamp        time.Time      `json:"timestamp"`
}
