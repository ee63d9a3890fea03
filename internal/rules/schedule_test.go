package rules

import (
	"testing"
	"time"

	"github.com/ksred/klear-automation/internal/testutil"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestNextOccurrence(t *testing.T) {
	d := testutil.Date
	tests := []struct {
		name   string
		anchor time.Time
		freq   Frequency
		after  time.Time
		want   time.Time
	}{
		{"anchor in the future", d(2026, 5, 1), FrequencyMonthly, d(2026, 3, 1), d(2026, 5, 1)},
		{"daily", d(2026, 3, 1), FrequencyDaily, d(2026, 3, 1), d(2026, 3, 2)},
		{"weekly on occurrence", d(2026, 3, 1), FrequencyWeekly, d(2026, 3, 8), d(2026, 3, 15)},
		{"weekly between", d(2026, 3, 1), FrequencyWeekly, d(2026, 3, 10), d(2026, 3, 15)},
		{"monthly clamps to february", d(2026, 1, 31), FrequencyMonthly, d(2026, 1, 31), d(2026, 2, 28)},
		{"monthly keeps anchor day after clamp", d(2026, 1, 31), FrequencyMonthly, d(2026, 2, 28), d(2026, 3, 31)},
		{"monthly no catch-up", d(2026, 1, 5), FrequencyMonthly, d(2026, 6, 20), d(2026, 7, 5)},
		{"quarterly", d(2026, 1, 15), FrequencyQuarterly, d(2026, 4, 15), d(2026, 7, 15)},
		{"quarterly between", d(2026, 1, 15), FrequencyQuarterly, d(2026, 3, 20), d(2026, 4, 15)},
		{"leap year", d(2028, 1, 31), FrequencyMonthly, d(2028, 2, 1), d(2028, 2, 29)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextOccurrence(tt.anchor, tt.freq, tt.after)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(DayOf(tt.after)))
		})
	}
}

func TestNextRebalancingDate(t *testing.T) {
	dom := 31
	dow := int(time.Monday)
	monthly := &RebalancingRule{TriggerOnSchedule: true, Frequency: FrequencyMonthly, DayOfMonth: &dom}
	weekly := &RebalancingRule{TriggerOnSchedule: true, Frequency: FrequencyWeekly, DayOfWeek: &dow}
	driftOnly := &RebalancingRule{TriggerOnDrift: true}

	assert.Equal(t, testutil.Date(2026, 2, 28), *NextRebalancingDate(monthly, testutil.Date(2026, 2, 10)))
	assert.Equal(t, testutil.Date(2026, 3, 31), *NextRebalancingDate(monthly, testutil.Date(2026, 2, 28)))
	// 2026-03-02 is a Monday
	assert.Equal(t, testutil.Date(2026, 3, 2), *NextRebalancingDate(weekly, testutil.Date(2026, 2, 26)))
	assert.Equal(t, testutil.Date(2026, 3, 9), *NextRebalancingDate(weekly, testutil.Date(2026, 3, 2)))
	assert.Nil(t, NextRebalancingDate(driftOnly, testutil.Date(2026, 3, 2)))
}

func TestDriftDue_ThresholdBoundary(t *testing.T) {
	target := Allocation{"equity": 60, "debt": 30, "hybrid": 10}
	current := Allocation{"equity": 66, "debt": 28, "hybrid": 6}
	assert.InDelta(t, 6.0, MaxDrift(target, current), 1e-9)

	rule := &RebalancingRule{
		TargetAllocation: datatypes.NewJSONType(target),
		TriggerOnDrift:   true,
		Status:           StatusActive,
		IsEnabled:        true,
	}

	rule.ThresholdPercent = 5
	assert.True(t, DriftDue(rule, current))

	rule.ThresholdPercent = 10
	assert.False(t, DriftDue(rule, current))

	rule.ThresholdPercent = 6
	assert.True(t, DriftDue(rule, current), "drift equal to the threshold is due")
}

func TestMaxDrift_MissingClasses(t *testing.T) {
	target := Allocation{"equity": 70, "debt": 30}
	current := Allocation{"equity": 65, "debt": 27, "gold": 8}
	assert.InDelta(t, 8.0, MaxDrift(target, current), 1e-9)
}

func TestAutoInvestDue_Window(t *testing.T) {
	end := testutil.Date(2026, 3, 31)
	rule := &AutoInvestRule{
		Status:            StatusActive,
		IsEnabled:         true,
		StartDate:         testutil.Date(2026, 3, 1),
		EndDate:           &end,
		NextExecutionDate: testutil.Date(2026, 3, 10),
	}
	assert.False(t, AutoInvestDue(rule, testutil.Date(2026, 3, 9)))
	assert.True(t, AutoInvestDue(rule, time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)))
	assert.True(t, AutoInvestDue(rule, testutil.Date(2026, 3, 31)))
	assert.False(t, AutoInvestDue(rule, testutil.Date(2026, 4, 1)))

	rule.Status = StatusPaused
	assert.False(t, AutoInvestDue(rule, testutil.Date(2026, 3, 10)))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf("RBR_123")
	assert.True(t, ok)
	assert.Equal(t, "REBALANCING", string(kind))

	_, ok = KindOf("XYZ")
	assert.False(t, ok)
}

func TestPlanActions_SellsFirst(t *testing.T) {
	target := Allocation{"equity": 60, "debt": 30, "hybrid": 10}
	current := Allocation{"equity": 66, "debt": 28, "hybrid": 6}

	actions := PlanActions(target, current, decimal.NewFromInt(100000))
	require.Len(t, actions, 3)

	assert.Equal(t, "equity", actions[0].AssetClass)
	assert.Equal(t, types.OrderRedemption, actions[0].OrderType)
	assert.True(t, actions[0].Amount.Equal(decimal.NewFromInt(6000)), actions[0].Amount.String())

	assert.Equal(t, "debt", actions[1].AssetClass)
	assert.Equal(t, types.OrderPurchase, actions[1].OrderType)
	assert.True(t, actions[1].Amount.Equal(decimal.NewFromInt(2000)), actions[1].Amount.String())

	assert.Equal(t, "hybrid", actions[2].AssetClass)
	assert.True(t, actions[2].Amount.Equal(decimal.NewFromInt(4000)), actions[2].Amount.String())
}

func TestPlanActions_OnTargetAndUnknownClasses(t *testing.T) {
	target := Allocation{"equity": 50, "debt": 50}
	assert.Empty(t, PlanActions(target, Allocation{"equity": 50, "debt": 50}, decimal.NewFromInt(1000)))

	actions := PlanActions(target, Allocation{"equity": 50, "debt": 40, "gold": 10}, decimal.NewFromInt(1000))
	require.Len(t, actions, 2)
	assert.Equal(t, "gold", actions[0].AssetClass)
	assert.Equal(t, types.OrderRedemption, actions[0].OrderType)
	assert.Equal(t, "debt", actions[1].AssetClass)
	assert.Equal(t, types.OrderPurchase, actions[1].OrderType)
}
