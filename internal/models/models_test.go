package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSignedDeltaPolarity(t *testing.T) {
	cases := []struct {
		accountType string
		direction   string
		amount      string
		want        string
	}{
		{AccountTypeBank, DirectionCredit, "500", "500"},
		{AccountTypeBank, DirectionDebit, "500", "-500"},
		{AccountTypeCreditCard, DirectionDebit, "2000", "2000"},
		{AccountTypeCreditCard, DirectionCredit, "1500", "-1500"},
		{AccountTypeLoan, DirectionCredit, "100", "-100"},
		{AccountTypeWallet, DirectionDebit, "-20", "-20"},
	}
	for _, tc := range cases {
		got := SignedDelta(tc.accountType, tc.direction, decimal.RequireFromString(tc.amount))
		require.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"%s %s %s: got %s", tc.accountType, tc.direction, tc.amount, got)
	}
}

func TestLedgerEntryActive(t *testing.T) {
	e := LedgerEntry{Kind: LedgerKindApply}
	require.True(t, e.Active())

	e.Kind = LedgerKindReverse
	require.False(t, e.Active())
}
