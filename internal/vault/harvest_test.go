package vault

import (
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/lsv/internal/merkle"
	"github.com/elys-network/lsv/internal/oracle"
	"github.com/elys-network/lsv/internal/types"
)

// Scenario: +100 reward with a 10% fee mints 10*totalShares/(totalAssetsAfter-10) fee shares.
func TestHarvestMintsFeeShares(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t, func(p *types.VaultParams) { p.FeePercent = 1_000 })
	f.deposit(t, alice, 1_000)

	record := f.harvest(t, 100)
	// 10 * 1000 / (1100 - 10)
	requireInt(t, 9, record.FeeShares)
	requireInt(t, 9, f.vault.BalanceOf(feeRecipient))
	f.requireTotals(t, 1_009, 1_100)

	require.Len(t, f.persister.harvests, 1)
	require.Equal(t, record.ID, f.persister.harvests[0].ID)
	require.Equal(t, uint64(1), record.Nonce)
	requireInt(t, 100, record.TotalAssetsDelta)

	// the fee recipient's shares are worth the fee, minus rounding
	require.True(t, f.assetsOf(t, math.NewInt(9)).LTE(math.NewInt(10)))
}

func TestHarvestFeeOnEmptyVault(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t, func(p *types.VaultParams) { p.FeePercent = 10_000 })

	record := f.harvest(t, 50)
	requireInt(t, 50, record.FeeShares)
	f.requireTotals(t, 50, 50)
}

func TestHarvestLossIsSocialized(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t, func(p *types.VaultParams) { p.FeePercent = 1_000 })
	f.deposit(t, alice, 300)
	f.deposit(t, bob, 100)

	record := f.harvest(t, -40)
	requireInt(t, 0, record.FeeShares)
	f.requireTotals(t, 400, 360)
	requireInt(t, 270, f.assetsOf(t, f.vault.BalanceOf(alice)))
	requireInt(t, 90, f.assetsOf(t, f.vault.BalanceOf(bob)))

	// a loss beyond the total assets floors at zero
	f.harvest(t, -1_000)
	f.requireTotals(t, 400, 0)
	requireInt(t, 0, f.sharesFor(t, math.NewInt(10)))
}

func TestHarvestSettlesExitQueue(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t)
	f.deposit(t, alice, 100)
	_, err := f.vault.EnterExitQueue(ctx, alice, math.NewInt(40), alice, alice)
	require.NoError(t, err)

	f.harvest(t, 0)
	require.Len(t, f.vault.Checkpoints(), 1)
	requireInt(t, 40, f.vault.Summary().UnclaimedAssets)

	// the next harvest within the delay does not settle
	_, err = f.vault.EnterExitQueue(ctx, alice, math.NewInt(10), alice, alice)
	require.NoError(t, err)
	f.harvest(t, 0)
	require.Len(t, f.vault.Checkpoints(), 1)

	f.clock.advance(2 * time.Hour)
	f.harvest(t, 0)
	require.Len(t, f.vault.Checkpoints(), 2)
}

func TestHarvestWithdrawsUnlockedMev(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t)
	f.deposit(t, alice, 100)

	f.keeper.next.UnlockedMevDelta = math.NewInt(7)
	record := f.harvest(t, 7)
	requireInt(t, 7, record.UnlockedMevDelta)
	require.Len(t, f.escrow.withdrawn, 1)
	requireInt(t, 7, f.escrow.withdrawn[0])

	s := f.vault.Summary()
	requireInt(t, 107, s.Liquidity)
	requireInt(t, 107, s.TotalAssets)
}

func TestHarvestRollsBackKeeperOnPersistFailure(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t, func(p *types.VaultParams) { p.FeePercent = 500 })
	f.deposit(t, alice, 100)
	before := f.vault.Snapshot()

	f.persister.fail = true
	f.keeper.next.TotalAssetsDelta = math.NewInt(20)
	_, err := f.vault.UpdateState(ctx, oracle.HarvestParams{})
	require.Error(t, err)

	require.Len(t, f.keeper.rolledBack, 1)
	require.Equal(t, uint64(1), f.keeper.rolledBack[0].Nonce)
	requireSameState(t, before, f.vault.Snapshot())
	require.Empty(t, f.persister.harvests)
}

func TestHarvestKeeperErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	f := newVaultFixture(t)
	f.deposit(t, alice, 100)
	before := f.vault.Snapshot()
	saves := f.persister.saves

	f.keeper.err = types.ErrInvalidProofOrSignatures
	_, err := f.vault.UpdateState(ctx, oracle.HarvestParams{})
	require.ErrorIs(t, err, types.ErrInvalidProofOrSignatures)
	requireSameState(t, before, f.vault.Snapshot())
	require.Equal(t, saves, f.persister.saves)
}

// Scenario: harvesting the same root twice applies the reward once.
func TestHarvestReplayWithKeeper(t *testing.T) {
	t.Parallel()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	oracles, err := oracle.NewOracles([]common.Address{crypto.PubkeyToAddress(key.PublicKey)}, 1, 1, common.HexToAddress("0x6b65"))
	require.NoError(t, err)

	clock := &testClock{t: time.Unix(1_700_000_000, 0).UTC()}
	keeper, err := oracle.NewKeeperRewards(oracle.Config{
		Oracles:      oracles,
		Registry:     oracle.NewStaticRegistry(vaultAddr),
		RewardsDelay: 12 * time.Hour,
		Now:          clock.now,
	}, nil)
	require.NoError(t, err)

	transferer := &memTransferer{}
	v, err := New(Config{
		Params:     types.VaultParams{Address: vaultAddr, FeeRecipient: feeRecipient, FeePercent: 1_000},
		Keeper:     keeper,
		Transferer: transferer,
		Now:        clock.now,
	}, nil)
	require.NoError(t, err)
	_, err = v.Deposit(ctx, alice, alice, math.NewInt(1_000))
	require.NoError(t, err)

	reward := math.NewInt(100)
	leaves := []common.Hash{
		oracle.RewardsLeaf(vaultAddr, reward, math.ZeroInt()),
		oracle.RewardsLeaf(common.HexToAddress("0xbeef"), math.NewInt(5), math.ZeroInt()),
	}
	tree, err := merkle.NewTree(leaves)
	require.NoError(t, err)
	proof, err := tree.Proof(leaves[0])
	require.NoError(t, err)

	update := oracle.RewardsUpdateParams{
		RewardsRoot:     tree.Root(),
		RewardsIpfsHash: "bafkreiharvest",
		UpdateTimestamp: uint64(clock.t.Unix()),
		Nonce:           keeper.State().RewardsNonce,
	}
	sig, err := oracle.Sign(oracles.TypedDataDigest(update.StructHash()), key)
	require.NoError(t, err)
	update.Signatures = sig
	require.NoError(t, keeper.UpdateRewards(ctx, update))

	params := oracle.HarvestParams{RewardsRoot: tree.Root(), Reward: reward, UnlockedMevReward: math.ZeroInt(), Proof: proof}
	record, err := v.UpdateState(ctx, params)
	require.NoError(t, err)
	requireInt(t, 100, record.TotalAssetsDelta)
	requireInt(t, 9, record.FeeShares)
	after := v.Snapshot()

	_, err = v.UpdateState(ctx, params)
	require.ErrorIs(t, err, types.ErrAlreadyHarvested)
	requireSameState(t, after, v.Snapshot())

	// a vault that is two roots behind is blocked until it harvests
	for i := 0; i < 2; i++ {
		clock.advance(13 * time.Hour)
		next := update
		next.RewardsRoot = crypto.Keccak256Hash([]byte{byte(i)})
		next.Nonce = keeper.State().RewardsNonce
		sig, err := oracle.Sign(oracles.TypedDataDigest(next.StructHash()), key)
		require.NoError(t, err)
		next.Signatures = sig
		require.NoError(t, keeper.UpdateRewards(ctx, next))
	}
	_, err = v.Deposit(ctx, bob, bob, math.NewInt(10))
	require.ErrorIs(t, err, types.ErrNotHarvested)
}

func TestShareInvariantHoldsAcrossOperations(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	holders := []common.Address{alice, bob, carol}
	properties.Property("balances plus queued shares equal total shares", prop.ForAll(
		func(ops []uint8, amounts []uint16) bool {
			f := newVaultFixture(t, func(p *types.VaultParams) { p.FeePercent = 1_500 })
			for i, op := range ops {
				amount := math.NewInt(int64(amounts[i%len(amounts)]) + 1)
				who := holders[i%len(holders)]
				switch op % 6 {
				case 0:
					_, _ = f.vault.Deposit(ctx, who, who, amount)
				case 1:
					_, _ = f.vault.Redeem(ctx, who, math.MinInt(amount, f.vault.BalanceOf(who)), who, who)
				case 2:
					_, _ = f.vault.EnterExitQueue(ctx, who, math.MinInt(amount, f.vault.BalanceOf(who)), who, who)
				case 3:
					f.keeper.next.TotalAssetsDelta = amount.QuoRaw(3).Sub(amount.QuoRaw(5))
					if i%2 == 0 {
						f.keeper.next.TotalAssetsDelta = f.keeper.next.TotalAssetsDelta.Neg()
					}
					_, _ = f.vault.UpdateState(ctx, oracle.HarvestParams{})
				case 4:
					f.clock.advance(time.Hour)
					_, _ = f.vault.SettleExitQueue(ctx)
				case 5:
					_ = f.vault.FundValidators(ctx, depositPool, math.MinInt(amount, f.vault.AvailableAssets()))
				}
				if f.vault.CheckInvariants() != nil {
					return false
				}
				shares, err := f.vault.ConvertToShares(amount)
				if err != nil {
					return false
				}
				if back, err := f.vault.ConvertToAssets(shares); err != nil || back.GT(amount) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.UInt8()),
		gen.SliceOfN(8, gen.UInt16()),
	))
	properties.TestingRun(t)
}
