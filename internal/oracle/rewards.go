/*

Package oracle implements the keeper that gates reward harvesting.

Oracles periodically agree on one Merkle root covering the cumulative reward of every vault. A
quorum of signatures moves the keeper to the next root and bumps its nonce. Each vault then
harvests on its own by proving its leaf; the keeper remembers the nonce each vault last harvested
under so a root can be applied at most once, and it accepts the previous root for one extra
period so a vault that is a little late is not locked out.

The keeper never touches vault storage. It only returns deltas for the vault to apply.

*/

package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/elys-network/lsv/internal/logger"
	"github.com/elys-network/lsv/internal/merkle"
	"github.com/elys-network/lsv/internal/metrics"
	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

var rewardsRootTypeHash = crypto.Keccak256Hash([]byte(
	"KeeperRewards(bytes32 rewardsRoot,bytes32 rewardsIpfsHash,uint256 avgRewardPerSecond,uint64 updateTimestamp,uint64 nonce)"))

// int160 bounds of the reward leaf encoding
var (
	maxReward = math.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 159), big.NewInt(1)))
	minReward = math.NewIntFromBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 159)))
)

// Persister stores the keeper state after every committed change.
type Persister interface {
	SaveKeeper(ctx context.Context, snapshot types.KeeperSnapshot) error
}

// RewardsUpdateParams is a signed rewards root proposal.
type RewardsUpdateParams struct {
	RewardsRoot        common.Hash `json:"rewards_root"`
	RewardsIpfsHash    string      `json:"rewards_ipfs_hash"`
	AvgRewardPerSecond uint64      `json:"avg_reward_per_second"`
	UpdateTimestamp    uint64      `json:"update_timestamp"`
	Nonce              uint64      `json:"nonce"`
	Signatures         []byte      `json:"signatures"`
}

// StructHash is the typed-data struct hash the oracles sign.
func (p RewardsUpdateParams) StructHash() common.Hash {
	return crypto.Keccak256Hash(utils.EncodeWords(
		rewardsRootTypeHash.Bytes(),
		p.RewardsRoot.Bytes(),
		crypto.Keccak256([]byte(p.RewardsIpfsHash)),
		utils.Uint64Word(p.AvgRewardPerSecond),
		utils.Uint64Word(p.UpdateTimestamp),
		utils.Uint64Word(p.Nonce),
	))
}

// HarvestParams is a vault's proof of its cumulative reward under a root.
type HarvestParams struct {
	RewardsRoot       common.Hash   `json:"rewards_root"`
	Reward            math.Int      `json:"reward"`
	UnlockedMevReward math.Int      `json:"unlocked_mev_reward"`
	Proof             []common.Hash `json:"proof"`
}

// HarvestResult carries the deltas a vault applies after a successful harvest.
type HarvestResult struct {
	RewardsRoot      common.Hash
	Nonce            uint64
	TotalAssetsDelta math.Int
	UnlockedMevDelta math.Int

	prevReward types.RewardSync
	prevMev    types.RewardSync
}

// RewardsLeaf is keccak256(keccak256(abi.encode(vault, reward, unlockedMevReward))).
func RewardsLeaf(vault common.Address, reward, unlockedMevReward math.Int) common.Hash {
	inner := crypto.Keccak256(utils.EncodeWords(
		utils.AddressWord(vault),
		utils.IntWord(reward),
		utils.IntWord(unlockedMevReward),
	))
	return crypto.Keccak256Hash(inner)
}

// Config holds the dependencies of a KeeperRewards.
type Config struct {
	Oracles               *Oracles
	Registry              VaultsRegistry
	RewardsDelay          time.Duration
	MaxAvgRewardPerSecond uint64
	Persister             Persister        // optional
	Now                   func() time.Time // optional, defaults to time.Now
}

type KeeperRewards struct {
	mu sync.Mutex

	logger    zerolog.Logger
	oracles   *Oracles
	registry  VaultsRegistry
	persister Persister
	now       func() time.Time
	maxAvg    uint64

	rewardsRoot          common.Hash
	prevRewardsRoot      common.Hash
	rewardsNonce         uint64
	lastRewardsTimestamp time.Time
	rewardsDelay         time.Duration

	rewards            map[common.Address]types.RewardSync
	unlockedMevRewards map[common.Address]types.RewardSync
}

// NewKeeperRewards creates a keeper, restoring it from snapshot when one is given.
func NewKeeperRewards(cfg Config, snapshot *types.KeeperSnapshot) (*KeeperRewards, error) {
	if cfg.Oracles == nil {
		return nil, fmt.Errorf("oracles cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("vaults registry cannot be nil")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	k := &KeeperRewards{
		logger:             logger.GetForComponent("keeper_rewards"),
		oracles:            cfg.Oracles,
		registry:           cfg.Registry,
		persister:          cfg.Persister,
		now:                cfg.Now,
		maxAvg:             cfg.MaxAvgRewardPerSecond,
		rewardsNonce:       1,
		rewardsDelay:       cfg.RewardsDelay,
		rewards:            make(map[common.Address]types.RewardSync),
		unlockedMevRewards: make(map[common.Address]types.RewardSync),
	}

	if snapshot != nil {
		if snapshot.RewardsNonce == 0 {
			return nil, fmt.Errorf("restored rewards nonce cannot be zero")
		}
		k.rewardsRoot = snapshot.RewardsRoot
		k.prevRewardsRoot = snapshot.PrevRewardsRoot
		k.rewardsNonce = snapshot.RewardsNonce
		k.lastRewardsTimestamp = snapshot.LastRewardsTimestamp
		for v, s := range snapshot.Rewards {
			k.rewards[v] = s
		}
		for v, s := range snapshot.UnlockedMevRewards {
			k.unlockedMevRewards[v] = s
		}
	}
	metrics.RewardsNonce.Set(float64(k.rewardsNonce))
	return k, nil
}

// UpdateRewards accepts the next rewards root once the rewards delay has passed.
func (k *KeeperRewards) UpdateRewards(ctx context.Context, params RewardsUpdateParams) (err error) {
	defer func() { metrics.RewardsUpdates.WithLabelValues(metrics.Result(err)).Inc() }()

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if !k.canUpdateRewards(now) {
		return errorsmod.Wrapf(types.ErrTooEarlyUpdate, "next update after %s", k.lastRewardsTimestamp.Add(k.rewardsDelay))
	}
	if k.maxAvg != 0 && params.AvgRewardPerSecond > k.maxAvg {
		return errorsmod.Wrapf(types.ErrInvalidAvgRewardPerSecond, "%d above %d", params.AvgRewardPerSecond, k.maxAvg)
	}
	nonce := k.rewardsNonce
	if params.Nonce != nonce {
		return errorsmod.Wrapf(types.ErrInvalidProofOrSignatures, "nonce %d, expected %d", params.Nonce, nonce)
	}
	if params.RewardsRoot == (common.Hash{}) {
		return errorsmod.Wrap(types.ErrInvalidProofOrSignatures, "empty rewards root")
	}
	if err := k.oracles.VerifyMinSignatures(params.StructHash(), params.Signatures); err != nil {
		return err
	}

	prevRoot, prevPrevRoot, prevTimestamp := k.rewardsRoot, k.prevRewardsRoot, k.lastRewardsTimestamp
	k.prevRewardsRoot = prevRoot
	k.rewardsRoot = params.RewardsRoot
	k.lastRewardsTimestamp = now
	k.rewardsNonce = nonce + 1

	if err := k.persist(ctx); err != nil {
		k.rewardsRoot, k.prevRewardsRoot, k.lastRewardsTimestamp, k.rewardsNonce = prevRoot, prevPrevRoot, prevTimestamp, nonce
		return err
	}

	metrics.RewardsNonce.Set(float64(k.rewardsNonce))
	k.logger.Info().
		Str("rewardsRoot", params.RewardsRoot.Hex()).
		Str("ipfsHash", params.RewardsIpfsHash).
		Uint64("avgRewardPerSecond", params.AvgRewardPerSecond).
		Uint64("nonce", k.rewardsNonce).
		Msg("Rewards root updated")
	return nil
}

// Harvest verifies vault's leaf against the current or previous root and returns the reward
// accrued since the vault's last harvest.
func (k *KeeperRewards) Harvest(ctx context.Context, vault common.Address, params HarvestParams) (res HarvestResult, err error) {
	defer func() { metrics.Harvests.WithLabelValues(metrics.Result(err)).Inc() }()

	if !k.registry.IsRegisteredVault(vault) {
		return HarvestResult{}, errorsmod.Wrapf(types.ErrAccessDenied, "%s is not a registered vault", vault)
	}
	if params.Reward.IsNil() || params.Reward.GT(maxReward) || params.Reward.LT(minReward) {
		return HarvestResult{}, errorsmod.Wrap(types.ErrInvalidAmount, "reward out of range")
	}
	mevReward := params.UnlockedMevReward
	if mevReward.IsNil() {
		mevReward = math.ZeroInt()
	}
	if mevReward.IsNegative() || mevReward.GT(maxReward) {
		return HarvestResult{}, errorsmod.Wrap(types.ErrInvalidAmount, "unlocked mev reward out of range")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	currentNonce := k.rewardsNonce
	if params.RewardsRoot == (common.Hash{}) {
		return HarvestResult{}, errorsmod.Wrap(types.ErrInvalidProofOrSignatures, "empty rewards root")
	}
	if params.RewardsRoot != k.rewardsRoot {
		if params.RewardsRoot != k.prevRewardsRoot {
			return HarvestResult{}, errorsmod.Wrapf(types.ErrInvalidProofOrSignatures, "unknown rewards root %s", params.RewardsRoot.Hex())
		}
		currentNonce--
	}

	leaf := RewardsLeaf(vault, params.Reward, mevReward)
	if !merkle.Verify(params.Proof, params.RewardsRoot, leaf) {
		return HarvestResult{}, errorsmod.Wrap(types.ErrInvalidProofOrSignatures, "merkle proof does not match root")
	}

	last := k.rewardSync(k.rewards, vault)
	if last.Nonce >= currentNonce {
		return HarvestResult{}, errorsmod.Wrapf(types.ErrAlreadyHarvested, "vault nonce %d covers %d", last.Nonce, currentNonce)
	}
	lastMev := k.rewardSync(k.unlockedMevRewards, vault)

	res = HarvestResult{
		RewardsRoot:      params.RewardsRoot,
		Nonce:            currentNonce,
		TotalAssetsDelta: params.Reward.Sub(last.Reward),
		UnlockedMevDelta: mevReward.Sub(lastMev.Reward),
		prevReward:       last,
		prevMev:          lastMev,
	}
	k.rewards[vault] = types.RewardSync{Nonce: currentNonce, Reward: params.Reward}
	k.unlockedMevRewards[vault] = types.RewardSync{Nonce: currentNonce, Reward: mevReward}

	if err := k.persist(ctx); err != nil {
		k.restoreSyncs(vault, last, lastMev)
		return HarvestResult{}, err
	}

	k.logger.Debug().
		Str("vault", vault.Hex()).
		Str("rewardsRoot", params.RewardsRoot.Hex()).
		Str("totalAssetsDelta", res.TotalAssetsDelta.String()).
		Str("unlockedMevDelta", res.UnlockedMevDelta.String()).
		Uint64("nonce", currentNonce).
		Msg("Vault harvested")
	return res, nil
}

// RollbackHarvest undoes a harvest whose deltas the vault could not commit.
func (k *KeeperRewards) RollbackHarvest(ctx context.Context, vault common.Address, res HarvestResult) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if current := k.rewardSync(k.rewards, vault); current.Nonce != res.Nonce {
		return fmt.Errorf("vault %s moved to nonce %d, cannot roll back harvest at %d", vault, current.Nonce, res.Nonce)
	}
	k.restoreSyncs(vault, res.prevReward, res.prevMev)
	k.logger.Warn().Str("vault", vault.Hex()).Uint64("nonce", res.Nonce).Msg("Harvest rolled back")
	return k.persist(ctx)
}

// IsHarvestRequired reports whether a collateralized vault fell more than one root behind.
func (k *KeeperRewards) IsHarvestRequired(vault common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	nonce := k.rewardSync(k.rewards, vault).Nonce
	return nonce != 0 && nonce+1 < k.rewardsNonce
}

// CanHarvest reports whether vault has a root it has not harvested yet. A vault that never
// harvested qualifies as soon as any root was submitted.
func (k *KeeperRewards) CanHarvest(vault common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.rewardsRoot == (common.Hash{}) {
		return false
	}
	return k.rewardSync(k.rewards, vault).Nonce < k.rewardsNonce
}

// IsCollateralized reports whether vault has harvested at least once.
func (k *KeeperRewards) IsCollateralized(vault common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rewardSync(k.rewards, vault).Nonce != 0
}

func (k *KeeperRewards) CanUpdateRewards() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.canUpdateRewards(k.now())
}

// RewardSync returns the reward and unlocked MEV syncs of vault.
func (k *KeeperRewards) RewardSync(vault common.Address) (reward, unlockedMev types.RewardSync) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rewardSync(k.rewards, vault), k.rewardSync(k.unlockedMevRewards, vault)
}

// State returns a copy of the keeper state.
func (k *KeeperRewards) State() types.KeeperSnapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshot()
}

func (k *KeeperRewards) canUpdateRewards(now time.Time) bool {
	if k.lastRewardsTimestamp.IsZero() {
		return true
	}
	return !now.Before(k.lastRewardsTimestamp.Add(k.rewardsDelay))
}

func (k *KeeperRewards) rewardSync(m map[common.Address]types.RewardSync, vault common.Address) types.RewardSync {
	if s, ok := m[vault]; ok {
		return s
	}
	return types.RewardSync{Reward: math.ZeroInt()}
}

func (k *KeeperRewards) restoreSyncs(vault common.Address, reward, mev types.RewardSync) {
	if reward.Nonce == 0 {
		delete(k.rewards, vault)
		delete(k.unlockedMevRewards, vault)
		return
	}
	k.rewards[vault] = reward
	k.unlockedMevRewards[vault] = mev
}

func (k *KeeperRewards) snapshot() types.KeeperSnapshot {
	s := types.KeeperSnapshot{
		RewardsRoot:          k.rewardsRoot,
		PrevRewardsRoot:      k.prevRewardsRoot,
		RewardsNonce:         k.rewardsNonce,
		LastRewardsTimestamp: k.lastRewardsTimestamp,
		RewardsDelay:         k.rewardsDelay,
		Rewards:              make(map[common.Address]types.RewardSync, len(k.rewards)),
		UnlockedMevRewards:   make(map[common.Address]types.RewardSync, len(k.unlockedMevRewards)),
	}
	for v, r := range k.rewards {
		s.Rewards[v] = r
	}
	for v, r := range k.unlockedMevRewards {
		s.UnlockedMevRewards[v] = r
	}
	return s
}

func (k *KeeperRewards) persist(ctx context.Context) error {
	if k.persister == nil {
		return nil
	}
	if err := k.persister.SaveKeeper(ctx, k.snapshot()); err != nil {
		return fmt.Errorf("failed to persist keeper state: %w", err)
	}
	return nil
}
