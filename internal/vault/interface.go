package vault

import (
	"context"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/lsv/internal/oracle"
	"github.com/elys-network/lsv/internal/types"
)

// Keeper is the part of the rewards oracle a vault consumes.
// Implementations must not call back into the vault.
type Keeper interface {
	// Harvest verifies the vault's reward proof and returns the deltas accrued since its last harvest.
	Harvest(ctx context.Context, vault common.Address, params oracle.HarvestParams) (oracle.HarvestResult, error)

	// RollbackHarvest restores the vault's reward sync when the vault could not commit a harvest.
	RollbackHarvest(ctx context.Context, vault common.Address, res oracle.HarvestResult) error

	// IsHarvestRequired reports whether the vault fell too far behind the attested rewards.
	IsHarvestRequired(vault common.Address) bool
}

// AssetTransferer moves the underlying asset in and out of the vault.
type AssetTransferer interface {
	// PullAssets takes assets from a depositor.
	PullAssets(ctx context.Context, from common.Address, assets math.Int) error

	// TransferAssets pays assets out to a receiver.
	TransferAssets(ctx context.Context, to common.Address, assets math.Int) error
}

// MevEscrow releases execution-layer rewards the oracle reported as unlocked.
type MevEscrow interface {
	Withdraw(ctx context.Context, vault common.Address, assets math.Int) error
}

// Persister stores the vault state after every committed change.
type Persister interface {
	// SaveVault replaces the stored state of the vault with snapshot and queues transfers as
	// pending, atomically.
	SaveVault(ctx context.Context, snapshot types.VaultSnapshot, transfers []types.AssetTransfer) error

	// RecordHarvest appends an audit entry for an applied harvest.
	RecordHarvest(ctx context.Context, record types.HarvestRecord) error
}
