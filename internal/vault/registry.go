package vault

import (
	"context"
	"fmt"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

// exitRequests holds the open exit requests keyed by ExitRequestKey(receiver, ticket).
type exitRequests map[common.Hash]types.ExitRequest

func (r exitRequests) get(receiver common.Address, ticket math.Int) (types.ExitRequest, bool) {
	req, ok := r[utils.ExitRequestKey(receiver, ticket)]
	return req, ok
}

func (r exitRequests) put(req types.ExitRequest) {
	r[utils.ExitRequestKey(req.Receiver, req.PositionTicket)] = req
}

func (r exitRequests) remove(receiver common.Address, ticket math.Int) {
	delete(r, utils.ExitRequestKey(receiver, ticket))
}

func (r exitRequests) list() []types.ExitRequest {
	out := make([]types.ExitRequest, 0, len(r))
	for _, req := range r {
		out = append(out, req)
	}
	return out
}

// EnterExitQueue locks owner's shares in the exit queue and returns the position ticket the
// receiver claims with later.
func (v *Vault) EnterExitQueue(ctx context.Context, caller common.Address, shares math.Int, receiver, owner common.Address) (positionTicket math.Int, err error) {
	defer v.observe("enter_exit_queue", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkHarvested(); err != nil {
		return math.ZeroInt(), err
	}
	if receiver == (common.Address{}) {
		return math.ZeroInt(), fmt.Errorf("receiver: %w", types.ErrZeroAddress)
	}
	if shares.IsNil() || !shares.IsPositive() {
		return math.ZeroInt(), fmt.Errorf("%w: %s shares", types.ErrInvalidAmount, shares)
	}

	positionTicket, err = utils.CheckedAdd(v.queue.LatestCumulativeTickets(), v.ledger.Escrowed())
	if err != nil {
		return math.ZeroInt(), fmt.Errorf("%w: position ticket: %v", types.ErrInvalidAmount, err)
	}

	j := &journal{}
	if err := v.spendAllowance(j, owner, caller, shares); err != nil {
		return math.ZeroInt(), err
	}
	if err := v.ledger.Lock(owner, shares); err != nil {
		j.revert()
		return math.ZeroInt(), err
	}
	j.record(func() { v.ledger.Unlock(owner, shares) })

	req := types.ExitRequest{Receiver: receiver, PositionTicket: positionTicket, Shares: shares}
	v.exitRequests.put(req)
	j.record(func() { v.exitRequests.remove(receiver, positionTicket) })

	if err := v.commit(ctx, j); err != nil {
		return math.ZeroInt(), err
	}

	v.logger.Debug().
		Str("owner", owner.Hex()).
		Str("receiver", receiver.Hex()).
		Str("shares", shares.String()).
		Str("positionTicket", positionTicket.String()).
		Msg("Entered exit queue")
	return positionTicket, nil
}

// ClaimExitedAssets pays out the settled part of an exit request. checkpointIndex is a hint
// obtained from GetExitQueueIndex and is validated against the ticket. A partially settled
// request is re-issued for the remainder under a new ticket.
func (v *Vault) ClaimExitedAssets(ctx context.Context, caller, receiver common.Address, positionTicket math.Int, checkpointIndex int) (res types.ClaimResult, err error) {
	defer v.observe("claim_exited_assets", &err)

	v.mu.Lock()
	defer v.mu.Unlock()

	unchanged := types.ClaimResult{
		NewPositionTicket: positionTicket,
		ClaimedShares:     math.ZeroInt(),
		ClaimedAssets:     math.ZeroInt(),
	}
	if caller != receiver {
		return unchanged, fmt.Errorf("%w: %s cannot claim for %s", types.ErrAccessDenied, caller, receiver)
	}
	if positionTicket.IsNil() || positionTicket.IsNegative() {
		return unchanged, fmt.Errorf("%w: position ticket %s", types.ErrInvalidAmount, positionTicket)
	}

	req, ok := v.exitRequests.get(receiver, positionTicket)
	requestShares := math.ZeroInt()
	if ok {
		requestShares = req.Shares
	}
	burnedShares, exitedAssets, err := v.queue.CalculateExitedAssets(checkpointIndex, positionTicket, requestShares)
	if err != nil {
		return unchanged, err
	}
	if burnedShares.IsZero() {
		return unchanged, nil
	}
	if exitedAssets.GT(v.unclaimedAssets) || exitedAssets.GT(v.liquidity) {
		return unchanged, fmt.Errorf("%w: claim of %s assets exceeds unclaimed %s", types.ErrInsufficientLiquidity, exitedAssets, v.unclaimedAssets)
	}

	j := &journal{}
	v.exitRequests.remove(receiver, positionTicket)
	j.record(func() { v.exitRequests.put(req) })

	newTicket := positionTicket
	if remaining := requestShares.Sub(burnedShares); remaining.IsPositive() {
		newTicket = positionTicket.Add(burnedShares)
		v.exitRequests.put(types.ExitRequest{Receiver: receiver, PositionTicket: newTicket, Shares: remaining})
		j.record(func() { v.exitRequests.remove(receiver, newTicket) })
	}

	prevUnclaimed := v.unclaimedAssets
	v.unclaimedAssets = prevUnclaimed.Sub(exitedAssets)
	j.record(func() { v.unclaimedAssets = prevUnclaimed })
	v.subLiquidity(j, exitedAssets)

	if err := v.commit(ctx, j, payout(receiver, exitedAssets)); err != nil {
		return unchanged, err
	}

	v.logger.Debug().
		Str("receiver", receiver.Hex()).
		Str("positionTicket", positionTicket.String()).
		Str("newPositionTicket", newTicket.String()).
		Str("claimedShares", burnedShares.String()).
		Str("claimedAssets", exitedAssets.String()).
		Msg("Claimed exited assets")
	return types.ClaimResult{
		NewPositionTicket: newTicket,
		ClaimedShares:     burnedShares,
		ClaimedAssets:     exitedAssets,
	}, nil
}

// GetExitQueueIndex returns the checkpoint index to claim positionTicket with, or the number of
// checkpoints while the ticket is not settled.
func (v *Vault) GetExitQueueIndex(positionTicket math.Int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queue.GetCheckpointIndex(positionTicket)
}

// ExitRequest returns the shares still owed to receiver under positionTicket.
func (v *Vault) ExitRequest(receiver common.Address, positionTicket math.Int) math.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if req, ok := v.exitRequests.get(receiver, positionTicket); ok {
		return req.Shares
	}
	return math.ZeroInt()
}

// Checkpoints returns a copy of the exit queue checkpoints.
func (v *Vault) Checkpoints() []types.Checkpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queue.Checkpoints()
}
