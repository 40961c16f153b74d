/*

This file contains the types describing the vault ledger: exit queue checkpoints, exit requests
and the snapshot used to persist and restore a vault.

*/

package types

import (
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint records that the tickets in (previous.CumulativeTickets, CumulativeTickets]
// were settled together for ExitedAssets.
type Checkpoint struct {
	CumulativeTickets math.Int `json:"cumulative_tickets"`
	ExitedAssets      math.Int `json:"exited_assets"`
}

// Directions of an AssetTransfer.
const (
	TransferIn  = "in"  // pulled from a depositor
	TransferOut = "out" // paid to a receiver or sent to validators
	TransferMev = "mev" // unlocked MEV released from the shared escrow to the vault
)

// AssetTransfer is a movement of the underlying asset owed by a committed vault operation.
// ID and CreatedAt are assigned when the transfer is queued.
type AssetTransfer struct {
	ID           string         `json:"id,omitempty"`
	Direction    string         `json:"direction"`
	Counterparty common.Address `json:"counterparty"`
	Assets       math.Int       `json:"assets"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ExitRequest is a holder's claim on the ticket range [PositionTicket, PositionTicket+Shares).
type ExitRequest struct {
	Receiver       common.Address `json:"receiver"`
	PositionTicket math.Int       `json:"position_ticket"`
	Shares         math.Int       `json:"shares"`
}

// ClaimResult is returned by a claim on the exit queue.
type ClaimResult struct {
	NewPositionTicket math.Int `json:"new_position_ticket"`
	ClaimedShares     math.Int `json:"claimed_shares"`
	ClaimedAssets     math.Int `json:"claimed_assets"`
}

// VaultParams are the fixed parameters a vault is created with.
type VaultParams struct {
	Address              common.Address `json:"address"`
	FeeRecipient         common.Address `json:"fee_recipient"`
	FeePercent           uint16         `json:"fee_percent"` // basis points, 10000 = 100%
	Capacity             math.Int       `json:"capacity"`
	ExitQueueUpdateDelay time.Duration  `json:"exit_queue_update_delay"`
}

// VaultSnapshot is the complete persisted state of a vault.
type VaultSnapshot struct {
	Params VaultParams `json:"params"`

	TotalShares         math.Int  `json:"total_shares"`
	TotalAssets         math.Int  `json:"total_assets"`
	QueuedShares        math.Int  `json:"queued_shares"`
	UnclaimedAssets     math.Int  `json:"unclaimed_assets"`
	Liquidity           math.Int  `json:"liquidity"`
	ExitQueueNextUpdate time.Time `json:"exit_queue_next_update"`

	Balances     map[common.Address]math.Int                    `json:"balances"`
	Allowances   map[common.Address]map[common.Address]math.Int `json:"allowances"` // owner -> spender -> shares
	Checkpoints  []Checkpoint                                   `json:"checkpoints"`
	ExitRequests []ExitRequest                                  `json:"exit_requests"`
}

// VaultSummary is the read-only view served to collaborators. Values are advisory snapshots.
type VaultSummary struct {
	Address         common.Address `json:"address"`
	TotalShares     math.Int       `json:"total_shares"`
	TotalAssets     math.Int       `json:"total_assets"`
	QueuedShares    math.Int       `json:"queued_shares"`
	UnclaimedAssets math.Int       `json:"unclaimed_assets"`
	Liquidity       math.Int       `json:"liquidity"`
	AvailableAssets math.Int       `json:"available_assets"`
	Capacity        math.Int       `json:"capacity"`
	FeePercent      uint16         `json:"fee_percent"`
	Checkpoints     int            `json:"checkpoints"`
}
