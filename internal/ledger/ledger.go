/*

Package ledger implements the proportional share accounting of a pooled vault.

Holders own shares; the pool owns assets. The price of a share is totalAssets/totalShares and is
1:1 while no shares exist. All conversions round down so the ledger never hands out more than it
holds. Shares waiting in the exit queue are held in escrow: they no longer belong to a holder but
are still counted in totalShares until settlement burns them.

ShareLedger is not safe for concurrent use; the owning vault serializes access.

*/

package ledger

import (
	"fmt"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

type ShareLedger struct {
	totalShares math.Int
	totalAssets math.Int
	escrowed    math.Int

	balances   map[common.Address]math.Int
	allowances map[common.Address]map[common.Address]math.Int
}

// New returns an empty ledger.
func New() *ShareLedger {
	return &ShareLedger{
		totalShares: math.ZeroInt(),
		totalAssets: math.ZeroInt(),
		escrowed:    math.ZeroInt(),
		balances:    make(map[common.Address]math.Int),
		allowances:  make(map[common.Address]map[common.Address]math.Int),
	}
}

// Restore rebuilds a ledger from persisted totals and balances and checks the share invariant.
func Restore(totalShares, totalAssets, escrowed math.Int, balances map[common.Address]math.Int) (*ShareLedger, error) {
	l := New()
	l.totalShares = totalShares
	l.totalAssets = totalAssets
	l.escrowed = escrowed
	for addr, bal := range balances {
		if bal.IsNil() || bal.IsNegative() {
			return nil, fmt.Errorf("balance of %s: %w", addr, types.ErrInvalidAmount)
		}
		if bal.IsPositive() {
			l.balances[addr] = bal
		}
	}
	if err := l.CheckInvariant(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ShareLedger) TotalShares() math.Int { return l.totalShares }
func (l *ShareLedger) TotalAssets() math.Int { return l.totalAssets }

// Escrowed is the number of shares locked in the exit queue.
func (l *ShareLedger) Escrowed() math.Int { return l.escrowed }

func (l *ShareLedger) BalanceOf(holder common.Address) math.Int {
	if bal, ok := l.balances[holder]; ok {
		return bal
	}
	return math.ZeroInt()
}

// Balances returns a copy of all non-zero balances.
func (l *ShareLedger) Balances() map[common.Address]math.Int {
	out := make(map[common.Address]math.Int, len(l.balances))
	for addr, bal := range l.balances {
		out[addr] = bal
	}
	return out
}

// ConvertToShares returns how many shares assets buy at the current price, rounded down. It
// fails with ErrInvalidAmount when the result does not fit 256 bits.
func (l *ShareLedger) ConvertToShares(assets math.Int) (math.Int, error) {
	totalShares := l.totalShares
	if totalShares.IsZero() || assets.IsZero() {
		return assets, nil
	}
	if l.totalAssets.IsZero() {
		// every asset was lost; shares are worthless and cannot be priced
		return math.ZeroInt(), nil
	}
	shares, err := utils.MulDiv(assets, totalShares, l.totalAssets)
	if err != nil {
		return math.ZeroInt(), fmt.Errorf("%w: %s assets to shares: %v", types.ErrInvalidAmount, assets, err)
	}
	return shares, nil
}

// ConvertToAssets returns what shares are worth at the current price, rounded down.
func (l *ShareLedger) ConvertToAssets(shares math.Int) (math.Int, error) {
	totalShares := l.totalShares
	if totalShares.IsZero() {
		return shares, nil
	}
	assets, err := utils.MulDiv(shares, l.totalAssets, totalShares)
	if err != nil {
		return math.ZeroInt(), fmt.Errorf("%w: %s shares to assets: %v", types.ErrInvalidAmount, shares, err)
	}
	return assets, nil
}

// EscrowedAssets is the current value of the escrowed shares. It never exceeds total assets.
func (l *ShareLedger) EscrowedAssets() math.Int {
	if l.totalShares.IsZero() {
		return l.escrowed
	}
	return utils.MustMulDiv(l.escrowed, l.totalAssets, l.totalShares)
}

// Mint credits shares to a holder and adds assets to the pool. It fails with
// ErrCapacityExceeded, leaving the ledger unchanged, when either total would pass 256 bits.
func (l *ShareLedger) Mint(to common.Address, shares, assets math.Int) error {
	totalShares, err := utils.CheckedAdd(l.totalShares, shares)
	if err != nil {
		return fmt.Errorf("%w: minting %s shares: %v", types.ErrCapacityExceeded, shares, err)
	}
	totalAssets, err := utils.CheckedAdd(l.totalAssets, assets)
	if err != nil {
		return fmt.Errorf("%w: adding %s assets: %v", types.ErrCapacityExceeded, assets, err)
	}
	l.totalShares = totalShares
	l.totalAssets = totalAssets
	l.balances[to] = l.BalanceOf(to).Add(shares)
	return nil
}

// Burn debits shares from a holder and removes assets from the pool.
func (l *ShareLedger) Burn(from common.Address, shares, assets math.Int) error {
	bal := l.BalanceOf(from)
	if bal.LT(shares) {
		return fmt.Errorf("%w: %s holds %s shares, %s required", types.ErrInvalidAmount, from, bal, shares)
	}
	if l.totalAssets.LT(assets) {
		return fmt.Errorf("%w: burning %s assets from %s", types.ErrInvalidAmount, assets, l.totalAssets)
	}
	l.setBalance(from, bal.Sub(shares))
	l.totalShares = l.totalShares.Sub(shares)
	l.totalAssets = l.totalAssets.Sub(assets)
	return nil
}

// Lock moves shares from a holder into exit queue escrow without burning them.
func (l *ShareLedger) Lock(owner common.Address, shares math.Int) error {
	bal := l.BalanceOf(owner)
	if bal.LT(shares) {
		return fmt.Errorf("%w: %s holds %s shares, %s required", types.ErrInvalidAmount, owner, bal, shares)
	}
	l.setBalance(owner, bal.Sub(shares))
	l.escrowed = l.escrowed.Add(shares)
	return nil
}

// Unlock returns escrowed shares to a holder. Only used to roll back a failed operation.
func (l *ShareLedger) Unlock(owner common.Address, shares math.Int) {
	l.escrowed = l.escrowed.Sub(shares)
	l.balances[owner] = l.BalanceOf(owner).Add(shares)
}

// BurnEscrowed burns settled shares out of escrow together with the assets they exited for.
func (l *ShareLedger) BurnEscrowed(shares, assets math.Int) error {
	if l.escrowed.LT(shares) || l.totalAssets.LT(assets) {
		return fmt.Errorf("%w: burning %s escrowed shares for %s assets", types.ErrInvalidAmount, shares, assets)
	}
	l.escrowed = l.escrowed.Sub(shares)
	l.totalShares = l.totalShares.Sub(shares)
	l.totalAssets = l.totalAssets.Sub(assets)
	return nil
}

// RestoreEscrowed undoes BurnEscrowed.
func (l *ShareLedger) RestoreEscrowed(shares, assets math.Int) {
	l.escrowed = l.escrowed.Add(shares)
	l.totalShares = l.totalShares.Add(shares)
	l.totalAssets = l.totalAssets.Add(assets)
}

// SetTotalAssets overwrites the pool's assets. Used by harvests.
func (l *ShareLedger) SetTotalAssets(assets math.Int) {
	l.totalAssets = assets
}

// Approve sets the number of owner's shares spender may move.
func (l *ShareLedger) Approve(owner, spender common.Address, shares math.Int) {
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]math.Int)
	}
	if shares.IsZero() {
		delete(l.allowances[owner], spender)
		return
	}
	l.allowances[owner][spender] = shares
}

// Allowances returns a copy of all non-zero allowances keyed by owner then spender.
func (l *ShareLedger) Allowances() map[common.Address]map[common.Address]math.Int {
	out := make(map[common.Address]map[common.Address]math.Int, len(l.allowances))
	for owner, spenders := range l.allowances {
		if len(spenders) == 0 {
			continue
		}
		out[owner] = make(map[common.Address]math.Int, len(spenders))
		for spender, shares := range spenders {
			out[owner][spender] = shares
		}
	}
	return out
}

func (l *ShareLedger) Allowance(owner, spender common.Address) math.Int {
	if allowed, ok := l.allowances[owner][spender]; ok {
		return allowed
	}
	return math.ZeroInt()
}

// SpendAllowance consumes spender's allowance over owner's shares and returns the previous
// allowance. Owners acting on their own shares spend nothing.
func (l *ShareLedger) SpendAllowance(owner, spender common.Address, shares math.Int) (math.Int, error) {
	allowed := l.Allowance(owner, spender)
	if owner == spender {
		return allowed, nil
	}
	if allowed.LT(shares) {
		return allowed, fmt.Errorf("%w: allowance %s of %s over %s is below %s", types.ErrAccessDenied, allowed, spender, owner, shares)
	}
	l.Approve(owner, spender, allowed.Sub(shares))
	return allowed, nil
}

// CheckInvariant verifies that balances plus escrow account for every share.
func (l *ShareLedger) CheckInvariant() error {
	sum := l.escrowed
	for _, bal := range l.balances {
		sum = sum.Add(bal)
	}
	if !sum.Equal(l.totalShares) {
		return fmt.Errorf("share invariant broken: balances+escrow=%s totalShares=%s", sum, l.totalShares)
	}
	return nil
}

func (l *ShareLedger) setBalance(holder common.Address, bal math.Int) {
	if bal.IsZero() {
		delete(l.balances, holder)
		return
	}
	l.balances[holder] = bal
}
