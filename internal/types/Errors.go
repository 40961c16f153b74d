/*

Error taxonomy shared by the ledger, the exit queue, the vault and the keeper oracle.

Every failure is a whole-operation failure: the component returning one of these has not
committed any state. Callers match them with errors.Is since they are usually wrapped. Each
error is registered under the "lsv" codespace so its code is stable across releases and can be
returned to API clients.

*/

package types

import "cosmossdk.io/errors"

// Codespace of every registered vault error.
const Codespace = "lsv"

var (
	ErrAccessDenied             = errors.Register(Codespace, 2, "access denied")
	ErrInvalidAmount            = errors.Register(Codespace, 3, "invalid amount")
	ErrInsufficientLiquidity    = errors.Register(Codespace, 4, "insufficient liquidity")
	ErrCapacityExceeded         = errors.Register(Codespace, 5, "capacity exceeded")
	ErrInvalidProofOrSignatures = errors.Register(Codespace, 6, "invalid proof or signatures")
	ErrAlreadyHarvested         = errors.Register(Codespace, 7, "already harvested")
	ErrInvalidCheckpointIndex   = errors.Register(Codespace, 8, "invalid checkpoint index")
	ErrInvalidCheckpointValue   = errors.Register(Codespace, 9, "invalid checkpoint value")
	ErrZeroAddress              = errors.Register(Codespace, 10, "zero address")

	// ErrNotHarvested is returned by the vault while the keeper reports that a harvest is required.
	ErrNotHarvested = errors.Register(Codespace, 11, "vault not harvested")
	// ErrTooEarlyUpdate is returned when a rewards root arrives before the rewards delay has passed.
	ErrTooEarlyUpdate            = errors.Register(Codespace, 12, "too early update")
	ErrInvalidAvgRewardPerSecond = errors.Register(Codespace, 13, "invalid average reward per second")
)
