package vault

import (
	"context"
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/elys-network/lsv/internal/metrics"
	"github.com/elys-network/lsv/internal/oracle"
	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

// UpdateState harvests the vault's attested reward, applies it to the ledger and settles the
// exit queue when the settlement delay has passed.
func (v *Vault) UpdateState(ctx context.Context, params oracle.HarvestParams) (record types.HarvestRecord, err error) {
	defer v.observe("update_state", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	res, err := v.keeper.Harvest(ctx, v.params.Address, params)
	if err != nil {
		return types.HarvestRecord{}, err
	}

	abort := func(err error) (types.HarvestRecord, error) {
		if rerr := v.keeper.RollbackHarvest(ctx, v.params.Address, res); rerr != nil {
			v.logger.Error().Err(rerr).Uint64("nonce", res.Nonce).Msg("Failed to roll back keeper harvest")
		}
		return types.HarvestRecord{}, err
	}

	now := v.now()
	j := &journal{}
	feeShares, err := v.processTotalAssetsDelta(j, res.TotalAssetsDelta)
	if err != nil {
		j.revert()
		return abort(err)
	}

	// queued transfers need no escrow client; the executor releases the MEV
	var transfers []types.AssetTransfer
	canReleaseMev := v.transferer == nil || v.mevEscrow != nil
	if canReleaseMev && !res.UnlockedMevDelta.IsNil() && res.UnlockedMevDelta.IsPositive() {
		if err := v.addLiquidity(j, res.UnlockedMevDelta); err != nil {
			j.revert()
			return abort(err)
		}
		transfers = append(transfers, types.AssetTransfer{
			Direction:    types.TransferMev,
			Counterparty: v.params.Address,
			Assets:       res.UnlockedMevDelta,
		})
	}
	settled := v.updateExitQueue(j, now)

	if err := v.commit(ctx, j, transfers...); err != nil {
		return abort(err)
	}
	if settled {
		metrics.CheckpointsCreated.Inc()
	}

	record = types.HarvestRecord{
		ID:               uuid.NewString(),
		Vault:            v.params.Address,
		RewardsRoot:      res.RewardsRoot,
		Nonce:            res.Nonce,
		TotalAssetsDelta: res.TotalAssetsDelta,
		UnlockedMevDelta: res.UnlockedMevDelta,
		FeeShares:        feeShares,
		Timestamp:        now,
	}
	if v.persister != nil {
		if err := v.persister.RecordHarvest(ctx, record); err != nil {
			v.logger.Warn().Err(err).Str("id", record.ID).Msg("Failed to record harvest")
		}
	}

	v.logger.Info().
		Str("rewardsRoot", res.RewardsRoot.Hex()).
		Uint64("nonce", res.Nonce).
		Str("totalAssetsDelta", res.TotalAssetsDelta.String()).
		Str("unlockedMevDelta", res.UnlockedMevDelta.String()).
		Str("feeShares", feeShares.String()).
		Bool("settled", settled).
		Msg("Vault state updated")
	return record, nil
}

// SettleExitQueue runs exit queue settlement without a harvest. It reports whether a checkpoint
// was created. Like the holder operations it refuses to price exits while the vault is behind
// on harvests.
func (v *Vault) SettleExitQueue(ctx context.Context) (settled bool, err error) {
	defer v.observe("settle_exit_queue", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkHarvested(); err != nil {
		return false, err
	}
	j := &journal{}
	if !v.updateExitQueue(j, v.now()) {
		return false, nil
	}
	if err := v.commit(ctx, j); err != nil {
		return false, err
	}
	metrics.CheckpointsCreated.Inc()
	return true, nil
}

// processTotalAssetsDelta applies a reward or a penalty to total assets. Profits pay the vault
// fee as newly minted shares, priced on the post-profit totals so the fee shares do not dilute
// themselves. Losses are shared by all holders pro rata.
func (v *Vault) processTotalAssetsDelta(j *journal, delta math.Int) (feeShares math.Int, err error) {
	feeShares = math.ZeroInt()
	if delta.IsNil() || delta.IsZero() {
		return feeShares, nil
	}

	totalAssets := v.ledger.TotalAssets()
	if delta.IsNegative() {
		v.ledger.SetTotalAssets(utils.SaturatingSub(totalAssets, delta.Neg()))
		j.record(func() { v.ledger.SetTotalAssets(totalAssets) })
		return feeShares, nil
	}

	newTotalAssets, err := utils.CheckedAdd(totalAssets, delta)
	if err != nil {
		return feeShares, fmt.Errorf("%w: total assets %s + reward %s: %v", types.ErrCapacityExceeded, totalAssets, delta, err)
	}
	v.ledger.SetTotalAssets(newTotalAssets)
	j.record(func() { v.ledger.SetTotalAssets(totalAssets) })

	feeAssets := utils.MustMulDiv(delta, math.NewInt(int64(v.params.FeePercent)), math.NewInt(MaxFeePercent))
	if feeAssets.IsZero() {
		return feeShares, nil
	}

	totalShares := v.ledger.TotalShares()
	denominator := newTotalAssets.Sub(feeAssets)
	if totalShares.IsZero() || denominator.IsZero() {
		feeShares = feeAssets
	} else if feeShares, err = utils.MulDiv(feeAssets, totalShares, denominator); err != nil {
		return math.ZeroInt(), fmt.Errorf("%w: fee shares: %v", types.ErrInvalidAmount, err)
	}
	if feeShares.IsZero() {
		return feeShares, nil
	}

	recipient := v.params.FeeRecipient
	if err := v.ledger.Mint(recipient, feeShares, math.ZeroInt()); err != nil {
		return math.ZeroInt(), err
	}
	j.record(func() { _ = v.ledger.Burn(recipient, feeShares, math.ZeroInt()) })
	return feeShares, nil
}

// updateExitQueue converts as much of the queued shares as the free liquidity covers into a new
// checkpoint. It runs at most once per exit queue update delay and reports whether a checkpoint
// was created.
func (v *Vault) updateExitQueue(j *journal, now time.Time) bool {
	if now.Before(v.exitQueueNextUpdate) {
		return false
	}
	queuedShares := v.ledger.Escrowed()
	if queuedShares.IsZero() {
		return false
	}

	freeLiquidity := utils.SaturatingSub(v.liquidity, v.unclaimedAssets)
	exitedAssets := math.MinInt(freeLiquidity, v.ledger.EscrowedAssets())
	burnedShares, err := v.ledger.ConvertToShares(exitedAssets)
	if err != nil {
		v.logger.Error().Err(err).Msg("Exit queue settlement out of range")
		return false
	}
	if exitedAssets.IsZero() || burnedShares.IsZero() {
		return false
	}

	if err := v.ledger.BurnEscrowed(burnedShares, exitedAssets); err != nil {
		v.logger.Error().Err(err).Msg("Exit queue settlement out of balance")
		return false
	}
	length := v.queue.Len()
	if err := v.queue.Push(burnedShares, exitedAssets); err != nil {
		v.ledger.RestoreEscrowed(burnedShares, exitedAssets)
		return false
	}
	j.record(func() {
		v.queue.TruncateTo(length)
		v.ledger.RestoreEscrowed(burnedShares, exitedAssets)
	})

	prevUnclaimed, prevNextUpdate := v.unclaimedAssets, v.exitQueueNextUpdate
	v.unclaimedAssets = prevUnclaimed.Add(exitedAssets)
	v.exitQueueNextUpdate = now.Add(v.params.ExitQueueUpdateDelay)
	j.record(func() {
		v.unclaimedAssets = prevUnclaimed
		v.exitQueueNextUpdate = prevNextUpdate
	})

	v.logger.Debug().
		Str("burnedShares", burnedShares.String()).
		Str("exitedAssets", exitedAssets.String()).
		Int("checkpoint", length).
		Msg("Exit queue settled")
	return true
}
