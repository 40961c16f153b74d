package utils

import (
	"math/big"
	"strings"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

func maxUint256() sdkmath.Int {
	return sdkmath.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))
}

func TestMulDiv(t *testing.T) {
	limit := maxUint256()

	tests := []struct {
		name    string
		a, b, c sdkmath.Int
		want    string
		err     error
	}{
		{name: "floors", a: sdkmath.NewInt(10), b: sdkmath.NewInt(1000), c: sdkmath.NewInt(1090), want: "9"},
		{name: "wide product narrow result", a: limit, b: limit, c: limit, want: limit.String()},
		{name: "result beyond 256 bits", a: limit, b: sdkmath.NewInt(2), c: sdkmath.OneInt(), err: ErrAmountOverflow},
		{name: "division by zero", a: sdkmath.OneInt(), b: sdkmath.OneInt(), c: sdkmath.ZeroInt(), err: ErrDivisionByZero},
		{name: "negative operand", a: sdkmath.NewInt(-1), b: sdkmath.OneInt(), c: sdkmath.OneInt(), err: ErrAmountNegative},
		{name: "nil operand", a: sdkmath.Int{}, b: sdkmath.OneInt(), c: sdkmath.OneInt(), err: ErrAmountNil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MulDiv(tc.a, tc.b, tc.c)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got.String())
		})
	}

	require.Panics(t, func() { MustMulDiv(limit, sdkmath.NewInt(2), sdkmath.OneInt()) })
}

func TestCheckedAdd(t *testing.T) {
	limit := maxUint256()

	sum, err := CheckedAdd(limit.SubRaw(5), sdkmath.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, limit.String(), sum.String())

	_, err = CheckedAdd(limit, sdkmath.OneInt())
	require.ErrorIs(t, err, ErrAmountOverflow)
	_, err = CheckedAdd(sdkmath.Int{}, sdkmath.OneInt())
	require.ErrorIs(t, err, ErrAmountNil)
}

func TestSaturatingSub(t *testing.T) {
	require.Equal(t, "3", SaturatingSub(sdkmath.NewInt(5), sdkmath.NewInt(2)).String())
	require.True(t, SaturatingSub(sdkmath.NewInt(2), sdkmath.NewInt(5)).IsZero())
}

func TestParseAmount(t *testing.T) {
	x, err := ParseAmount(" 1000 ")
	require.NoError(t, err)
	require.Equal(t, "1000", x.String())

	_, err = ParseAmount("")
	require.ErrorIs(t, err, ErrAmountNil)
	_, err = ParseAmount("-1")
	require.ErrorIs(t, err, ErrAmountNegative)
	_, err = ParseAmount("1e3")
	require.ErrorIs(t, err, ErrConversionFailed)
	_, err = ParseAmount("1" + strings.Repeat("0", 80))
	require.ErrorIs(t, err, ErrConversionFailed)

	signed, err := ParseSignedAmount("-40")
	require.NoError(t, err)
	require.Equal(t, "-40", signed.String())
}
