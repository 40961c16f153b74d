package metrics

import (
	"errors"
	"fmt"
	"testing"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/lsv/internal/types"
)

func TestResult(t *testing.T) {
	require.Equal(t, "ok", Result(nil))
	require.Equal(t, "error", Result(errors.New("connection refused")))
	require.Equal(t, "access_denied", Result(types.ErrAccessDenied))
	require.Equal(t, "already_harvested", Result(errorsmod.Wrap(types.ErrAlreadyHarvested, "nonce 3")))
	require.Equal(t, "invalid_amount", Result(fmt.Errorf("%w: zero deposit", types.ErrInvalidAmount)))
}

func TestSetVaultTotal(t *testing.T) {
	SetVaultTotal("0xaa", "total_assets", math.NewInt(1500))
	require.Equal(t, 1500.0, testutil.ToFloat64(VaultTotals.WithLabelValues("0xaa", "total_assets")))
}
