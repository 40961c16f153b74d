package exitqueue

import (
	"math/big"
	"testing"

	"cosmossdk.io/math"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/lsv/internal/types"
)

var defaultGopterParameters = gopter.DefaultTestParameters()

func newTestHistory(t *testing.T, pushes ...[2]int64) *History {
	t.Helper()
	h := &History{}
	for _, p := range pushes {
		require.NoError(t, h.Push(math.NewInt(p[0]), math.NewInt(p[1])))
	}
	return h
}

func linearCheckpointIndex(h *History, ticket math.Int) int {
	for i, cp := range h.checkpoints {
		if cp.CumulativeTickets.GT(ticket) {
			return i
		}
	}
	return len(h.checkpoints)
}

func TestPush(t *testing.T) {
	t.Parallel()
	h := &History{}
	require.True(t, h.LatestCumulativeTickets().IsZero())

	require.NoError(t, h.Push(math.NewInt(100), math.NewInt(150)))
	require.NoError(t, h.Push(math.NewInt(50), math.NewInt(60)))
	require.Equal(t, 2, h.Len())
	requireInt(t, 150, h.LatestCumulativeTickets())

	cp, ok := h.At(1)
	require.True(t, ok)
	requireInt(t, 60, cp.ExitedAssets)

	require.ErrorIs(t, h.Push(math.ZeroInt(), math.NewInt(1)), types.ErrInvalidCheckpointValue)
	require.ErrorIs(t, h.Push(math.NewInt(1), math.ZeroInt()), types.ErrInvalidCheckpointValue)
	require.Equal(t, 2, h.Len())
}

func TestGetCheckpointIndex(t *testing.T) {
	t.Parallel()
	h := newTestHistory(t, [2]int64{100, 150}, [2]int64{50, 60})

	require.Equal(t, 0, h.GetCheckpointIndex(math.ZeroInt()))
	require.Equal(t, 0, h.GetCheckpointIndex(math.NewInt(99)))
	require.Equal(t, 1, h.GetCheckpointIndex(math.NewInt(100)))
	require.Equal(t, 1, h.GetCheckpointIndex(math.NewInt(149)))
	require.Equal(t, 2, h.GetCheckpointIndex(math.NewInt(150)))
	require.Equal(t, 2, h.GetCheckpointIndex(math.NewInt(10_000)))

	empty := &History{}
	require.Equal(t, 0, empty.GetCheckpointIndex(math.ZeroInt()))
}

func TestCalculateExitedAssets(t *testing.T) {
	t.Parallel()
	h := newTestHistory(t, [2]int64{100, 150}, [2]int64{50, 60})

	tests := []struct {
		name           string
		idx            int
		ticket, shares int64
		burned, assets int64
		err            error
	}{
		{name: "inside first checkpoint", idx: 0, ticket: 0, shares: 100, burned: 100, assets: 150},
		{name: "spans two checkpoints", idx: 0, ticket: 80, shares: 40, burned: 40, assets: 54},
		{name: "partial when checkpoints run out", idx: 1, ticket: 140, shares: 30, burned: 10, assets: 12},
		{name: "unsettled index", idx: 2, ticket: 150, shares: 10},
		{name: "zero shares", idx: 0, ticket: 0, shares: 0},
		{name: "hint past ticket", idx: 1, ticket: 80, shares: 10, err: types.ErrInvalidCheckpointIndex},
		{name: "hint before ticket", idx: 0, ticket: 100, shares: 10, err: types.ErrInvalidCheckpointIndex},
		{name: "negative hint", idx: -1, ticket: 0, shares: 10, err: types.ErrInvalidCheckpointIndex},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			burned, assets, err := h.CalculateExitedAssets(tc.idx, math.NewInt(tc.ticket), math.NewInt(tc.shares))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			requireInt(t, tc.burned, burned)
			requireInt(t, tc.assets, assets)
		})
	}
}

func TestCheckpointArithmeticStaysWithin256Bits(t *testing.T) {
	t.Parallel()
	limit := math.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))

	h := &History{}
	require.NoError(t, h.Push(limit, math.OneInt()))
	require.ErrorIs(t, h.Push(math.OneInt(), math.OneInt()), types.ErrInvalidCheckpointValue)
	require.Equal(t, 1, h.Len())

	h, err := New([]types.Checkpoint{
		{CumulativeTickets: math.NewInt(1), ExitedAssets: limit},
		{CumulativeTickets: math.NewInt(2), ExitedAssets: limit},
	})
	require.NoError(t, err)
	_, _, err = h.CalculateExitedAssets(0, math.ZeroInt(), math.NewInt(2))
	require.ErrorIs(t, err, types.ErrInvalidCheckpointValue)

	burned, assets, err := h.CalculateExitedAssets(1, math.OneInt(), math.OneInt())
	require.NoError(t, err)
	requireInt(t, 1, burned)
	require.Equal(t, limit.String(), assets.String())
}

func TestRestore(t *testing.T) {
	t.Parallel()
	good := []types.Checkpoint{
		{CumulativeTickets: math.NewInt(10), ExitedAssets: math.NewInt(11)},
		{CumulativeTickets: math.NewInt(25), ExitedAssets: math.NewInt(14)},
	}
	h, err := New(good)
	require.NoError(t, err)
	require.Equal(t, good, h.Checkpoints())

	bad := []types.Checkpoint{
		{CumulativeTickets: math.NewInt(10), ExitedAssets: math.NewInt(11)},
		{CumulativeTickets: math.NewInt(10), ExitedAssets: math.NewInt(14)},
	}
	_, err = New(bad)
	require.ErrorIs(t, err, types.ErrInvalidCheckpointValue)
}

func TestBinarySearchMatchesLinearScan(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)

	properties.Property("binary search agrees with a linear scan",
		prop.ForAll(
			func(deltas []uint64, ticket uint64) bool {
				h := &History{}
				for _, d := range deltas {
					if err := h.Push(math.NewIntFromUint64(d), math.NewInt(1)); err != nil {
						return false
					}
				}
				tk := math.NewIntFromUint64(ticket)
				return h.GetCheckpointIndex(tk) == linearCheckpointIndex(h, tk)
			},
			gen.SliceOf(gen.UInt64Range(1, 1_000)),
			gen.UInt64Range(0, 200_000),
		))

	properties.Property("cumulative tickets strictly increase",
		prop.ForAll(
			func(deltas []uint64) bool {
				h := &History{}
				for _, d := range deltas {
					if err := h.Push(math.NewIntFromUint64(d), math.NewIntFromUint64(d)); err != nil {
						return false
					}
				}
				prev := math.ZeroInt()
				for _, cp := range h.Checkpoints() {
					if cp.CumulativeTickets.LTE(prev) {
						return false
					}
					prev = cp.CumulativeTickets
				}
				return true
			},
			gen.SliceOf(gen.UInt64Range(1, 1_000)),
		))

	properties.TestingRun(t)
}

func TestSettledPositionNeverOverpays(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)

	properties.Property("a fully settled range pays at most the checkpointed assets",
		prop.ForAll(
			func(deltas []uint64, assets []uint64) bool {
				h := &History{}
				total := math.ZeroInt()
				for i, d := range deltas {
					a := uint64(1)
					if i < len(assets) {
						a = assets[i]
					}
					if err := h.Push(math.NewIntFromUint64(d), math.NewIntFromUint64(a)); err != nil {
						return false
					}
					total = total.Add(math.NewIntFromUint64(a))
				}
				if h.Len() == 0 {
					return true
				}
				burned, exited, err := h.CalculateExitedAssets(0, math.ZeroInt(), h.LatestCumulativeTickets())
				if err != nil {
					return false
				}
				return burned.Equal(h.LatestCumulativeTickets()) && exited.Equal(total)
			},
			gen.SliceOf(gen.UInt64Range(1, 1_000)),
			gen.SliceOf(gen.UInt64Range(1, 1_000)),
		))

	properties.TestingRun(t)
}

func requireInt(t *testing.T, expected int64, actual math.Int) {
	t.Helper()
	require.Equal(t, math.NewInt(expected).String(), actual.String())
}
