/*

Package exitqueue keeps the append-only checkpoint log of the vault's exit queue.

Every share that enters the exit queue is assigned tickets on one virtual FIFO line. Settlement
converts the head of the line into a checkpoint: the tickets between the previous checkpoint and
this one were burned together for a fixed amount of assets. A holder later looks up which
checkpoint its first ticket fell into and walks forward from there.

*/

package exitqueue

import (
	"fmt"
	"sort"

	"cosmossdk.io/math"

	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

// History is the checkpoint log. The zero value is an empty log.
type History struct {
	checkpoints []types.Checkpoint
}

// New returns a log restored from persisted checkpoints.
func New(checkpoints []types.Checkpoint) (*History, error) {
	h := &History{}
	if err := h.Restore(checkpoints); err != nil {
		return nil, err
	}
	return h, nil
}

// Restore replaces the log, validating that cumulative tickets strictly increase.
func (h *History) Restore(checkpoints []types.Checkpoint) error {
	prev := math.ZeroInt()
	for i, cp := range checkpoints {
		if cp.CumulativeTickets.IsNil() || cp.ExitedAssets.IsNil() {
			return fmt.Errorf("checkpoint %d: %w", i, types.ErrInvalidCheckpointValue)
		}
		if cp.CumulativeTickets.LTE(prev) || !cp.ExitedAssets.IsPositive() {
			return fmt.Errorf("checkpoint %d: %w", i, types.ErrInvalidCheckpointValue)
		}
		prev = cp.CumulativeTickets
	}
	h.checkpoints = append([]types.Checkpoint(nil), checkpoints...)
	return nil
}

// Len is the number of checkpoints.
func (h *History) Len() int {
	return len(h.checkpoints)
}

// Checkpoints returns a copy of the log.
func (h *History) Checkpoints() []types.Checkpoint {
	return append([]types.Checkpoint(nil), h.checkpoints...)
}

// At returns the checkpoint at idx.
func (h *History) At(idx int) (types.Checkpoint, bool) {
	if idx < 0 || idx >= len(h.checkpoints) {
		return types.Checkpoint{}, false
	}
	return h.checkpoints[idx], true
}

// LatestCumulativeTickets is the last settled ticket boundary, zero for an empty log.
func (h *History) LatestCumulativeTickets() math.Int {
	if len(h.checkpoints) == 0 {
		return math.ZeroInt()
	}
	return h.checkpoints[len(h.checkpoints)-1].CumulativeTickets
}

// GetCheckpointIndex returns the index of the first checkpoint whose cumulative tickets exceed
// positionTicket, or Len() when the ticket is not settled yet.
func (h *History) GetCheckpointIndex(positionTicket math.Int) int {
	return sort.Search(len(h.checkpoints), func(i int) bool {
		return h.checkpoints[i].CumulativeTickets.GT(positionTicket)
	})
}

// Push appends a checkpoint settling shares tickets for assets.
func (h *History) Push(shares, assets math.Int) error {
	if shares.IsNil() || assets.IsNil() || !shares.IsPositive() || !assets.IsPositive() {
		return types.ErrInvalidCheckpointValue
	}
	cumulative, err := utils.CheckedAdd(h.LatestCumulativeTickets(), shares)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidCheckpointValue, err)
	}
	h.checkpoints = append(h.checkpoints, types.Checkpoint{
		CumulativeTickets: cumulative,
		ExitedAssets:      assets,
	})
	return nil
}

// TruncateTo drops the checkpoints appended after the log had length entries. It exists to undo
// a settlement whose commit failed; committed checkpoints are never removed.
func (h *History) TruncateTo(length int) {
	if length >= 0 && length < len(h.checkpoints) {
		h.checkpoints = h.checkpoints[:length]
	}
}

// CalculateExitedAssets returns how many of the position's shares are settled and for how many
// assets, starting at checkpointIdx. The index is a hint from the caller and is validated
// against the ticket. A position spanning more checkpoints than exist yet gets a partial result.
func (h *History) CalculateExitedAssets(checkpointIdx int, positionTicket, positionShares math.Int) (burnedShares, exitedAssets math.Int, err error) {
	burnedShares, exitedAssets = math.ZeroInt(), math.ZeroInt()

	length := len(h.checkpoints)
	if checkpointIdx < 0 {
		return burnedShares, exitedAssets, types.ErrInvalidCheckpointIndex
	}
	if checkpointIdx >= length || positionShares.IsNil() || !positionShares.IsPositive() {
		return burnedShares, exitedAssets, nil
	}

	checkpoint := h.checkpoints[checkpointIdx]
	prevCumulative := math.ZeroInt()
	if checkpointIdx > 0 {
		prevCumulative = h.checkpoints[checkpointIdx-1].CumulativeTickets
	}
	if checkpoint.CumulativeTickets.LTE(positionTicket) || prevCumulative.GT(positionTicket) {
		return burnedShares, exitedAssets, types.ErrInvalidCheckpointIndex
	}

	ticket := positionTicket
	remaining := positionShares
	for idx := checkpointIdx; ; {
		checkpointShares := checkpoint.CumulativeTickets.Sub(prevCumulative)
		consumed := math.MinInt(checkpoint.CumulativeTickets.Sub(ticket), remaining)

		exitedAssets, err = utils.CheckedAdd(exitedAssets, utils.MustMulDiv(consumed, checkpoint.ExitedAssets, checkpointShares))
		if err != nil {
			return math.ZeroInt(), math.ZeroInt(), fmt.Errorf("%w: %v", types.ErrInvalidCheckpointValue, err)
		}
		burnedShares = burnedShares.Add(consumed)
		remaining = remaining.Sub(consumed)
		ticket = ticket.Add(consumed)

		idx++
		if remaining.IsZero() || idx == length {
			break
		}
		prevCumulative = checkpoint.CumulativeTickets
		checkpoint = h.checkpoints[idx]
	}
	return burnedShares, exitedAssets, nil
}
