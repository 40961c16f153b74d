/*

Package vault implements a pooled staking vault on top of the share ledger and the exit queue.

A Vault is one aggregate: the ledger, the checkpoint log, the open exit requests and the queue
totals live in it and are only changed through its methods. Every public method holds the vault
lock for its whole duration. Operations apply their effects, persist the new state and only then
move assets. With an AssetTransferer configured the transfers run in process after the save; when
persisting or a transfer fails, the effects are reverted and the operation fails as a whole.
Without one the transfers are handed to the Persister and saved in the same transaction as the
state, for an external executor to carry out.

*/

package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/lsv/internal/exitqueue"
	"github.com/elys-network/lsv/internal/ledger"
	"github.com/elys-network/lsv/internal/logger"
	"github.com/elys-network/lsv/internal/metrics"
	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

// MaxFeePercent is 100% in basis points.
const MaxFeePercent = 10_000

// Config holds the parameters and collaborators of a Vault.
type Config struct {
	Params     types.VaultParams
	Keeper     Keeper
	Transferer AssetTransferer  // optional, transfers are queued through Persister without it
	MevEscrow  MevEscrow        // optional
	Persister  Persister        // required without Transferer
	Now        func() time.Time // optional, defaults to time.Now
}

type Vault struct {
	mu sync.Mutex

	logger     zerolog.Logger
	params     types.VaultParams
	keeper     Keeper
	transferer AssetTransferer
	mevEscrow  MevEscrow
	persister  Persister
	now        func() time.Time

	ledger       *ledger.ShareLedger
	queue        *exitqueue.History
	exitRequests exitRequests

	unclaimedAssets     math.Int
	liquidity           math.Int
	exitQueueNextUpdate time.Time
}

// New creates a vault, restoring it from snapshot when one is given. The snapshot's params are
// ignored in favour of cfg.Params.
func New(cfg Config, snapshot *types.VaultSnapshot) (*Vault, error) {
	if err := validateParams(cfg.Params); err != nil {
		return nil, err
	}
	if cfg.Keeper == nil {
		return nil, fmt.Errorf("keeper cannot be nil")
	}
	if cfg.Transferer == nil && cfg.Persister == nil {
		return nil, fmt.Errorf("either an asset transferer or a persister is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Params.Capacity.IsNil() {
		cfg.Params.Capacity = math.ZeroInt()
	}

	v := &Vault{
		logger:          logger.GetForComponent("vault").With().Str("vault", cfg.Params.Address.Hex()).Logger(),
		params:          cfg.Params,
		keeper:          cfg.Keeper,
		transferer:      cfg.Transferer,
		mevEscrow:       cfg.MevEscrow,
		persister:       cfg.Persister,
		now:             cfg.Now,
		ledger:          ledger.New(),
		queue:           &exitqueue.History{},
		exitRequests:    make(exitRequests),
		unclaimedAssets: math.ZeroInt(),
		liquidity:       math.ZeroInt(),
	}
	if snapshot != nil {
		if err := v.restore(*snapshot); err != nil {
			return nil, fmt.Errorf("failed to restore vault %s: %w", cfg.Params.Address, err)
		}
	}
	v.refreshMetrics()
	return v, nil
}

func validateParams(p types.VaultParams) error {
	if p.Address == (common.Address{}) {
		return fmt.Errorf("vault address: %w", types.ErrZeroAddress)
	}
	if p.FeePercent > MaxFeePercent {
		return fmt.Errorf("fee percent %d exceeds %d", p.FeePercent, MaxFeePercent)
	}
	if p.FeePercent > 0 && p.FeeRecipient == (common.Address{}) {
		return fmt.Errorf("fee recipient: %w", types.ErrZeroAddress)
	}
	if !p.Capacity.IsNil() && p.Capacity.IsNegative() {
		return fmt.Errorf("capacity: %w", types.ErrInvalidAmount)
	}
	if p.ExitQueueUpdateDelay < 0 {
		return fmt.Errorf("exit queue update delay cannot be negative")
	}
	return nil
}

func (v *Vault) restore(s types.VaultSnapshot) error {
	for _, amount := range []math.Int{s.TotalShares, s.TotalAssets, s.QueuedShares, s.UnclaimedAssets, s.Liquidity} {
		if amount.IsNil() || amount.IsNegative() {
			return types.ErrInvalidAmount
		}
	}
	l, err := ledger.Restore(s.TotalShares, s.TotalAssets, s.QueuedShares, s.Balances)
	if err != nil {
		return err
	}
	for owner, spenders := range s.Allowances {
		for spender, shares := range spenders {
			l.Approve(owner, spender, shares)
		}
	}
	queue, err := exitqueue.New(s.Checkpoints)
	if err != nil {
		return err
	}
	requests := make(exitRequests, len(s.ExitRequests))
	for _, req := range s.ExitRequests {
		if !req.Shares.IsPositive() {
			return fmt.Errorf("exit request %s/%s: %w", req.Receiver, req.PositionTicket, types.ErrInvalidAmount)
		}
		requests.put(req)
	}

	v.ledger = l
	v.queue = queue
	v.exitRequests = requests
	v.unclaimedAssets = s.UnclaimedAssets
	v.liquidity = s.Liquidity
	v.exitQueueNextUpdate = s.ExitQueueNextUpdate
	return nil
}

func (v *Vault) Address() common.Address { return v.params.Address }

// Deposit mints shares to receiver for assets pulled from caller, priced before the deposit.
func (v *Vault) Deposit(ctx context.Context, caller, receiver common.Address, assets math.Int) (shares math.Int, err error) {
	defer v.observe("deposit", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkHarvested(); err != nil {
		return math.ZeroInt(), err
	}
	if receiver == (common.Address{}) {
		return math.ZeroInt(), fmt.Errorf("receiver: %w", types.ErrZeroAddress)
	}
	if assets.IsNil() || !assets.IsPositive() {
		return math.ZeroInt(), fmt.Errorf("%w: deposit of %s assets", types.ErrInvalidAmount, assets)
	}
	totalAssets := v.ledger.TotalAssets()
	newTotalAssets, err := utils.CheckedAdd(totalAssets, assets)
	if err != nil {
		return math.ZeroInt(), fmt.Errorf("%w: %s + %s: %v", types.ErrCapacityExceeded, totalAssets, assets, err)
	}
	if v.params.Capacity.IsPositive() && newTotalAssets.GT(v.params.Capacity) {
		return math.ZeroInt(), fmt.Errorf("%w: %s + %s above %s", types.ErrCapacityExceeded, totalAssets, assets, v.params.Capacity)
	}
	shares, err = v.ledger.ConvertToShares(assets)
	if err != nil {
		return math.ZeroInt(), err
	}
	if shares.IsZero() {
		return math.ZeroInt(), fmt.Errorf("%w: %s assets buy no shares", types.ErrInvalidAmount, assets)
	}

	j := &journal{}
	if err := v.ledger.Mint(receiver, shares, assets); err != nil {
		return math.ZeroInt(), err
	}
	j.record(func() { _ = v.ledger.Burn(receiver, shares, assets) })
	if err := v.addLiquidity(j, assets); err != nil {
		j.revert()
		return math.ZeroInt(), err
	}

	if err := v.commit(ctx, j, pull(caller, assets)); err != nil {
		return math.ZeroInt(), err
	}

	v.logger.Debug().
		Str("caller", caller.Hex()).
		Str("receiver", receiver.Hex()).
		Str("assets", assets.String()).
		Str("shares", shares.String()).
		Msg("Deposited")
	return shares, nil
}

// Redeem burns owner's shares and pays their value out to receiver immediately. It only
// succeeds while the vault holds enough unreserved liquidity.
func (v *Vault) Redeem(ctx context.Context, caller common.Address, shares math.Int, receiver, owner common.Address) (assets math.Int, err error) {
	defer v.observe("redeem", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkHarvested(); err != nil {
		return math.ZeroInt(), err
	}
	if receiver == (common.Address{}) {
		return math.ZeroInt(), fmt.Errorf("receiver: %w", types.ErrZeroAddress)
	}
	if shares.IsNil() || !shares.IsPositive() {
		return math.ZeroInt(), fmt.Errorf("%w: redeem of %s shares", types.ErrInvalidAmount, shares)
	}
	assets, err = v.ledger.ConvertToAssets(shares)
	if err != nil {
		return math.ZeroInt(), err
	}
	if available := v.availableAssets(); assets.GT(available) {
		return math.ZeroInt(), fmt.Errorf("%w: %s assets requested, %s available", types.ErrInsufficientLiquidity, assets, available)
	}

	j := &journal{}
	if err := v.spendAllowance(j, owner, caller, shares); err != nil {
		return math.ZeroInt(), err
	}
	if err := v.ledger.Burn(owner, shares, assets); err != nil {
		j.revert()
		return math.ZeroInt(), err
	}
	j.record(func() { _ = v.ledger.Mint(owner, shares, assets) })
	v.subLiquidity(j, assets)

	if err := v.commit(ctx, j, payout(receiver, assets)); err != nil {
		return math.ZeroInt(), err
	}

	v.logger.Debug().
		Str("caller", caller.Hex()).
		Str("owner", owner.Hex()).
		Str("receiver", receiver.Hex()).
		Str("shares", shares.String()).
		Str("assets", assets.String()).
		Msg("Redeemed")
	return assets, nil
}

// Approve lets spender move up to shares of owner's shares.
func (v *Vault) Approve(ctx context.Context, owner, spender common.Address, shares math.Int) (err error) {
	defer v.observe("approve", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if spender == (common.Address{}) {
		return fmt.Errorf("spender: %w", types.ErrZeroAddress)
	}
	if shares.IsNil() || shares.IsNegative() {
		return fmt.Errorf("%w: allowance of %s shares", types.ErrInvalidAmount, shares)
	}
	j := &journal{}
	prev := v.ledger.Allowance(owner, spender)
	v.ledger.Approve(owner, spender, shares)
	j.record(func() { v.ledger.Approve(owner, spender, prev) })
	return v.commit(ctx, j)
}

// ReceiveWithdrawals credits assets returned by exited validators to the vault's liquidity.
// Principal coming back does not change total assets.
func (v *Vault) ReceiveWithdrawals(ctx context.Context, assets math.Int) (err error) {
	defer v.observe("receive_withdrawals", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if assets.IsNil() || !assets.IsPositive() {
		return fmt.Errorf("%w: withdrawal of %s assets", types.ErrInvalidAmount, assets)
	}
	j := &journal{}
	if err := v.addLiquidity(j, assets); err != nil {
		return err
	}
	return v.commit(ctx, j)
}

// FundValidators sends unreserved liquidity to be staked. Assets keep counting towards total
// assets while staked.
func (v *Vault) FundValidators(ctx context.Context, to common.Address, assets math.Int) (err error) {
	defer v.observe("fund_validators", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if to == (common.Address{}) {
		return fmt.Errorf("deposit target: %w", types.ErrZeroAddress)
	}
	if assets.IsNil() || !assets.IsPositive() {
		return fmt.Errorf("%w: funding of %s assets", types.ErrInvalidAmount, assets)
	}
	if available := v.availableAssets(); assets.GT(available) {
		return fmt.Errorf("%w: %s assets requested, %s available", types.ErrInsufficientLiquidity, assets, available)
	}
	j := &journal{}
	v.subLiquidity(j, assets)
	return v.commit(ctx, j, payout(to, assets))
}

// AvailableAssets is the liquidity not reserved for queued or settled exits.
func (v *Vault) AvailableAssets() math.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.availableAssets()
}

func (v *Vault) availableAssets() math.Int {
	// the escrowed value is bounded by total assets and unclaimed by liquidity, so each fits
	free := utils.SaturatingSub(v.liquidity, v.unclaimedAssets)
	return utils.SaturatingSub(free, v.ledger.EscrowedAssets())
}

func (v *Vault) ConvertToShares(assets math.Int) (math.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.ConvertToShares(assets)
}

func (v *Vault) ConvertToAssets(shares math.Int) (math.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.ConvertToAssets(shares)
}

func (v *Vault) BalanceOf(holder common.Address) math.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.BalanceOf(holder)
}

func (v *Vault) Allowance(owner, spender common.Address) math.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.Allowance(owner, spender)
}

// Summary returns the vault aggregates.
func (v *Vault) Summary() types.VaultSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return types.VaultSummary{
		Address:         v.params.Address,
		TotalShares:     v.ledger.TotalShares(),
		TotalAssets:     v.ledger.TotalAssets(),
		QueuedShares:    v.ledger.Escrowed(),
		UnclaimedAssets: v.unclaimedAssets,
		Liquidity:       v.liquidity,
		AvailableAssets: v.availableAssets(),
		Capacity:        v.params.Capacity,
		FeePercent:      v.params.FeePercent,
		Checkpoints:     v.queue.Len(),
	}
}

// Snapshot returns a copy of the complete vault state.
func (v *Vault) Snapshot() types.VaultSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}

// CheckInvariants verifies the share accounting of the vault.
func (v *Vault) CheckInvariants() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ledger.CheckInvariant(); err != nil {
		return err
	}
	if v.unclaimedAssets.IsNegative() || v.liquidity.IsNegative() {
		return fmt.Errorf("negative queue aggregate: unclaimed=%s liquidity=%s", v.unclaimedAssets, v.liquidity)
	}
	return nil
}

func (v *Vault) snapshot() types.VaultSnapshot {
	requests := v.exitRequests.list()
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].PositionTicket.LT(requests[j].PositionTicket)
	})
	return types.VaultSnapshot{
		Params:              v.params,
		TotalShares:         v.ledger.TotalShares(),
		TotalAssets:         v.ledger.TotalAssets(),
		QueuedShares:        v.ledger.Escrowed(),
		UnclaimedAssets:     v.unclaimedAssets,
		Liquidity:           v.liquidity,
		ExitQueueNextUpdate: v.exitQueueNextUpdate,
		Balances:            v.ledger.Balances(),
		Allowances:          v.ledger.Allowances(),
		Checkpoints:         v.queue.Checkpoints(),
		ExitRequests:        requests,
	}
}

func (v *Vault) checkHarvested() error {
	if v.keeper.IsHarvestRequired(v.params.Address) {
		return fmt.Errorf("%w: %s", types.ErrNotHarvested, v.params.Address)
	}
	return nil
}

func (v *Vault) spendAllowance(j *journal, owner, spender common.Address, shares math.Int) error {
	prev, err := v.ledger.SpendAllowance(owner, spender, shares)
	if err != nil {
		return err
	}
	if owner != spender {
		j.record(func() { v.ledger.Approve(owner, spender, prev) })
	}
	return nil
}

func (v *Vault) addLiquidity(j *journal, assets math.Int) error {
	prev := v.liquidity
	next, err := utils.CheckedAdd(prev, assets)
	if err != nil {
		return fmt.Errorf("%w: liquidity %s + %s: %v", types.ErrCapacityExceeded, prev, assets, err)
	}
	v.liquidity = next
	j.record(func() { v.liquidity = prev })
	return nil
}

func (v *Vault) subLiquidity(j *journal, assets math.Int) {
	prev := v.liquidity
	v.liquidity = prev.Sub(assets)
	j.record(func() { v.liquidity = prev })
}

func pull(from common.Address, assets math.Int) types.AssetTransfer {
	return types.AssetTransfer{Direction: types.TransferIn, Counterparty: from, Assets: assets}
}

func payout(to common.Address, assets math.Int) types.AssetTransfer {
	return types.AssetTransfer{Direction: types.TransferOut, Counterparty: to, Assets: assets}
}

// commit persists the effects recorded in j together with the transfers they owe. Without a
// transferer the transfers are queued in the same save. Otherwise they run after the save; on
// failure the effects are reverted, and the reverted state is persisted again. Operations owe at
// most one transfer, so a failed transfer never follows a completed one.
func (v *Vault) commit(ctx context.Context, j *journal, transfers ...types.AssetTransfer) error {
	var queued []types.AssetTransfer
	if v.transferer == nil {
		now := v.now()
		for _, t := range transfers {
			t.ID = uuid.NewString()
			t.CreatedAt = now
			queued = append(queued, t)
		}
	}
	if err := v.persist(ctx, queued); err != nil {
		j.revert()
		return err
	}
	if v.transferer != nil {
		for _, t := range transfers {
			if err := v.execute(ctx, t); err != nil {
				j.revert()
				if perr := v.persist(ctx, nil); perr != nil {
					v.logger.Error().Err(perr).Msg("Failed to persist reverted vault state")
				}
				return err
			}
		}
	}
	v.refreshMetrics()
	return nil
}

func (v *Vault) execute(ctx context.Context, t types.AssetTransfer) error {
	switch t.Direction {
	case types.TransferIn:
		return v.transferer.PullAssets(ctx, t.Counterparty, t.Assets)
	case types.TransferOut:
		return v.transferer.TransferAssets(ctx, t.Counterparty, t.Assets)
	case types.TransferMev:
		return v.mevEscrow.Withdraw(ctx, t.Counterparty, t.Assets)
	default:
		return fmt.Errorf("unknown transfer direction %q", t.Direction)
	}
}

func (v *Vault) persist(ctx context.Context, transfers []types.AssetTransfer) error {
	if v.persister == nil {
		return nil
	}
	if err := v.persister.SaveVault(ctx, v.snapshot(), transfers); err != nil {
		return fmt.Errorf("failed to persist vault state: %w", err)
	}
	return nil
}

func (v *Vault) observe(operation string, err *error) {
	metrics.VaultOperations.WithLabelValues(operation, metrics.Result(*err)).Inc()
}

func (v *Vault) refreshMetrics() {
	addr := v.params.Address.Hex()
	metrics.SetVaultTotal(addr, "total_shares", v.ledger.TotalShares())
	metrics.SetVaultTotal(addr, "total_assets", v.ledger.TotalAssets())
	metrics.SetVaultTotal(addr, "queued_shares", v.ledger.Escrowed())
	metrics.SetVaultTotal(addr, "unclaimed_assets", v.unclaimedAssets)
	metrics.SetVaultTotal(addr, "liquidity", v.liquidity)
}
