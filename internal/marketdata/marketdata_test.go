package marketdata

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedSource_ScopesValues(t *testing.T) {
	src := NewSimulatedSource()
	ctx := context.Background()

	src.SetValue(KindNAV, "", "SCH_1", 101.5)
	src.SetValue(KindPortfolioValue, "CLIENT_1", "", 25000)
	src.SetBalance("CLIENT_1", decimal.NewFromInt(750))

	nav, err := src.CurrentValue(ctx, KindNAV, "CLIENT_2", "SCH_1")
	require.NoError(t, err)
	assert.Equal(t, 101.5, nav, "NAV is shared across clients")

	pv, err := src.CurrentValue(ctx, KindPortfolioValue, "CLIENT_1", "SCH_9")
	require.NoError(t, err)
	assert.Equal(t, 25000.0, pv)

	bal, err := src.CurrentValue(ctx, KindCashBalance, "CLIENT_1", "")
	require.NoError(t, err)
	assert.Equal(t, 750.0, bal)

	_, err = src.CurrentValue(ctx, KindPortfolioValue, "CLIENT_2", "")
	assert.ErrorIs(t, err, ErrNoValue)
}

func TestSimulatedSource_AllocationIsCopied(t *testing.T) {
	src := NewSimulatedSource()
	in := map[string]float64{"equity": 66, "debt": 28, "hybrid": 6}
	src.SetAllocation("CLIENT_1", in)
	in["equity"] = 0

	got, err := src.CurrentAllocation(context.Background(), "CLIENT_1")
	require.NoError(t, err)
	assert.Equal(t, 66.0, got["equity"])

	_, err = src.CurrentAllocation(context.Background(), "CLIENT_2")
	assert.ErrorIs(t, err, ErrNoValue)
}
