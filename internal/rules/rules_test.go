package rules

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-automation/internal/condition"
	"github.com/ksred/klear-automation/internal/testutil"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock *testutil.Clock) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t, &AutoInvestRule{}, &RebalancingRule{}, &RebalancingExecution{}, &TriggerOrder{})
	return NewService(db).WithClock(clock.Now), db
}

func monthlySIP(clientID string, start time.Time) *AutoInvestRule {
	return &AutoInvestRule{
		ClientID:  clientID,
		SchemeID:  "SCH_EQUITY",
		Amount:    decimal.NewFromInt(500),
		Frequency: FrequencyMonthly,
		StartDate: start,
	}
}

func TestCreateAutoInvestRule_RejectsInvalidWithoutPersisting(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, db := newTestService(t, clock)
	ctx := context.Background()

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 5))
	rule.Amount = decimal.Zero

	err := svc.CreateAutoInvestRule(ctx, rule)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	var count int64
	require.NoError(t, db.Model(&AutoInvestRule{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateAutoInvestRule_SetsFirstOccurrence(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 1, 5))
	require.NoError(t, svc.CreateAutoInvestRule(context.Background(), rule))

	assert.Contains(t, rule.RuleID, "AIR_")
	assert.Equal(t, StatusActive, rule.Status)
	assert.True(t, rule.IsEnabled)
	assert.Equal(t, testutil.Date(2026, 4, 5), rule.NextExecutionDate, "missed occurrences before creation are not replayed")
}

func TestCreateAutoInvestRule_ConditionalTriggerNeedsConfig(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
	rule.TriggerType = AutoInvestTriggerMarketCondition
	err := svc.CreateAutoInvestRule(context.Background(), rule)
	assert.ErrorIs(t, err, types.ErrValidation)

	rule = monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
	rule.TriggerType = AutoInvestTriggerMarketCondition
	rule.TriggerConfig = datatypes.JSON(`{"condition":"LESS_THAN","value":95.5}`)
	require.NoError(t, svc.CreateAutoInvestRule(context.Background(), rule))

	cfg, err := rule.Condition()
	require.NoError(t, err)
	assert.Equal(t, condition.LessThan, cfg.Condition)
	assert.Equal(t, "SCH_EQUITY", cfg.SchemeID)
}

func TestValidateAllocation(t *testing.T) {
	tests := []struct {
		name  string
		alloc Allocation
		ok    bool
	}{
		{"exact", Allocation{"equity": 60, "debt": 30, "hybrid": 10}, true},
		{"within tolerance", Allocation{"equity": 60, "debt": 30, "hybrid": 9.995}, true},
		{"outside tolerance", Allocation{"equity": 60, "debt": 30, "hybrid": 9.98}, false},
		{"negative weight", Allocation{"equity": 110, "debt": -10}, false},
		{"empty", Allocation{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAllocation(tt.alloc)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrValidation)
			}
		})
	}
}

func TestCreateRebalancingRule_Validation(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	both := &RebalancingRule{
		ClientID:             "CLIENT_1",
		Strategy:             StrategyThresholdBased,
		TargetAllocation:     datatypes.NewJSONType(Allocation{"equity": 60, "debt": 40}),
		ThresholdPercent:     5,
		ExecuteAutomatically: true,
		RequireConfirmation:  true,
	}
	assert.ErrorIs(t, svc.CreateRebalancingRule(ctx, both), types.ErrValidation)

	dom := 31
	timed := &RebalancingRule{
		ClientID:         "CLIENT_1",
		Strategy:         StrategyTimeBased,
		TargetAllocation: datatypes.NewJSONType(Allocation{"equity": 60, "debt": 40}),
		ThresholdPercent: 5,
		Frequency:        FrequencyMonthly,
		DayOfMonth:       &dom,
	}
	require.NoError(t, svc.CreateRebalancingRule(ctx, timed))
	assert.True(t, timed.TriggerOnSchedule)
	assert.False(t, timed.TriggerOnDrift)
	assert.True(t, timed.ExecuteAutomatically)
	require.NotNil(t, timed.NextRebalancingDate)
	assert.Equal(t, testutil.Date(2026, 3, 31), *timed.NextRebalancingDate)

	badDay := 32
	timed2 := *timed
	timed2.DayOfMonth = &badDay
	timed2.RuleID = ""
	assert.ErrorIs(t, svc.CreateRebalancingRule(ctx, &timed2), types.ErrValidation)
}

func TestCreateTriggerOrder_Validation(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	base := func() *TriggerOrder {
		return &TriggerOrder{
			ClientID:         "CLIENT_1",
			TriggerType:      TriggerNAV,
			TriggerCondition: condition.CrossesAbove,
			TriggerValue:     10,
			OrderType:        types.OrderPurchase,
			SchemeID:         "SCH_1",
			Amount:           decimal.NewNullDecimal(decimal.NewFromInt(1000)),
		}
	}

	both := base()
	both.Units = decimal.NewNullDecimal(decimal.NewFromInt(3))
	assert.ErrorIs(t, svc.CreateTriggerOrder(ctx, both), types.ErrValidation)

	neither := base()
	neither.Amount = decimal.NullDecimal{}
	assert.ErrorIs(t, svc.CreateTriggerOrder(ctx, neither), types.ErrValidation)

	sw := base()
	sw.OrderType = types.OrderSwitch
	assert.ErrorIs(t, svc.CreateTriggerOrder(ctx, sw), types.ErrValidation)
	sw.TargetSchemeID = "SCH_2"
	require.NoError(t, svc.CreateTriggerOrder(ctx, sw))
	assert.Equal(t, TriggerOrderActive, sw.Status)
	assert.Equal(t, clock.Now(), sw.ValidFrom)

	window := base()
	until := clock.Now().Add(-time.Hour)
	window.ValidUntil = &until
	assert.ErrorIs(t, svc.CreateTriggerOrder(ctx, window), types.ErrValidation)
}

func TestListDueRules_ExcludesRetiredAndInactive(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, db := newTestService(t, clock)
	ctx := context.Background()

	create := func() *AutoInvestRule {
		r := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
		require.NoError(t, svc.CreateAutoInvestRule(ctx, r))
		return r
	}
	active := create()
	cancelled := create()
	completed := create()
	paused := create()
	disabled := create()
	future := monthlySIP("CLIENT_1", testutil.Date(2026, 6, 1))
	require.NoError(t, svc.CreateAutoInvestRule(ctx, future))

	require.NoError(t, svc.CancelRule(ctx, "CLIENT_1", cancelled.RuleID))
	require.NoError(t, svc.PauseRule(ctx, "CLIENT_1", paused.RuleID))
	require.NoError(t, db.Model(&AutoInvestRule{}).Where("rule_id = ?", completed.RuleID).Update("status", StatusCompleted).Error)
	enabled := false
	_, err := svc.UpdateAutoInvestRule(ctx, "CLIENT_1", disabled.RuleID, AutoInvestUpdate{IsEnabled: &enabled})
	require.NoError(t, err)

	order := &TriggerOrder{
		ClientID:         "CLIENT_1",
		TriggerType:      TriggerPrice,
		TriggerCondition: condition.GreaterThan,
		TriggerValue:     10,
		OrderType:        types.OrderRedemption,
		SchemeID:         "SCH_1",
		Units:            decimal.NewNullDecimal(decimal.NewFromInt(5)),
	}
	require.NoError(t, svc.CreateTriggerOrder(ctx, order))
	cancelledOrder := *order
	cancelledOrder.ID = 0
	require.NoError(t, svc.CreateTriggerOrder(ctx, &cancelledOrder))
	require.NoError(t, svc.CancelRule(ctx, "CLIENT_1", cancelledOrder.TriggerOrderID))

	due, err := svc.Store().ListDueRules(ctx, clock.Now().Add(9*time.Hour))
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.AutomationID())
	}
	assert.ElementsMatch(t, []string{active.RuleID, order.TriggerOrderID}, ids)

	// the same rules stay excluded on every later cycle
	for day := 1; day <= 120; day += 7 {
		due, err := svc.Store().ListDueRules(ctx, clock.Now().AddDate(0, 0, day))
		require.NoError(t, err)
		for _, r := range due {
			assert.NotContains(t, []string{cancelled.RuleID, completed.RuleID, cancelledOrder.TriggerOrderID}, r.AutomationID())
		}
	}
}

func TestTryLock_SingleHolderUntilExpiry(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	store := svc.Store()

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
	require.NoError(t, svc.CreateAutoInvestRule(ctx, rule))

	now := clock.Now()
	ok, err := store.TryLock(ctx, types.AutomationAutoInvest, rule.RuleID, "worker-a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryLock(ctx, types.AutomationAutoInvest, rule.RuleID, "worker-b", now.Add(30*time.Second), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease still held")

	require.NoError(t, store.Unlock(ctx, types.AutomationAutoInvest, rule.RuleID, "worker-b"))
	ok, err = store.TryLock(ctx, types.AutomationAutoInvest, rule.RuleID, "worker-b", now.Add(30*time.Second), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "unlock by a non-holder has no effect")

	ok, err = store.TryLock(ctx, types.AutomationAutoInvest, rule.RuleID, "worker-b", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reclaimable")

	err = store.UpdateRuleAfterExecution(ctx, types.AutomationAutoInvest, rule.RuleID, "worker-a", ExecutionUpdate{
		Status:     types.ExecutionSuccess,
		ExecutedAt: now,
	})
	assert.ErrorIs(t, err, types.ErrLeaseLost)
}

func TestUpdateRuleAfterExecution_CountsOnlySuccessAndFailure(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()
	store := svc.Store()

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
	require.NoError(t, svc.CreateAutoInvestRule(ctx, rule))

	now := clock.Now()
	for _, status := range []types.ExecutionStatus{types.ExecutionSuccess, types.ExecutionSkipped, types.ExecutionFailed, types.ExecutionSkipped} {
		ok, err := store.TryLock(ctx, types.AutomationAutoInvest, rule.RuleID, "w", now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.UpdateRuleAfterExecution(ctx, types.AutomationAutoInvest, rule.RuleID, "w", ExecutionUpdate{
			Status:     status,
			ExecutedAt: now,
		}))
		require.NoError(t, store.Unlock(ctx, types.AutomationAutoInvest, rule.RuleID, "w"))
	}

	got, err := store.GetAutoInvestRule(ctx, rule.RuleID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.Equal(t, types.ExecutionSkipped, got.LastExecutionStatus)
	assert.Nil(t, got.LockedUntil)
}

func TestCancelRule_Transitions(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
	require.NoError(t, svc.CreateAutoInvestRule(ctx, rule))

	assert.ErrorIs(t, svc.CancelRule(ctx, "CLIENT_2", rule.RuleID), types.ErrNotFound, "other clients cannot see the rule")

	now := clock.Now()
	ok, err := svc.Store().TryLock(ctx, types.AutomationAutoInvest, rule.RuleID, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, svc.CancelRule(ctx, "CLIENT_1", rule.RuleID), types.ErrLockContention)

	require.NoError(t, svc.Store().Unlock(ctx, types.AutomationAutoInvest, rule.RuleID, "w"))
	require.NoError(t, svc.CancelRule(ctx, "CLIENT_1", rule.RuleID))
	assert.ErrorIs(t, svc.CancelRule(ctx, "CLIENT_1", rule.RuleID), types.ErrInvalidTransition)
	assert.ErrorIs(t, svc.ResumeRule(ctx, "CLIENT_1", rule.RuleID), types.ErrInvalidTransition)
}

func TestResumeRule_SkipsOccurrencesMissedWhilePaused(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	rule := monthlySIP("CLIENT_1", testutil.Date(2026, 3, 1))
	rule.Frequency = FrequencyWeekly
	require.NoError(t, svc.CreateAutoInvestRule(ctx, rule))
	require.NoError(t, svc.PauseRule(ctx, "CLIENT_1", rule.RuleID))

	clock.Set(testutil.Date(2026, 4, 2))
	require.NoError(t, svc.ResumeRule(ctx, "CLIENT_1", rule.RuleID))

	got, err := svc.Store().GetAutoInvestRule(ctx, rule.RuleID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, testutil.Date(2026, 4, 5), DayOf(got.NextExecutionDate))
}

func TestExpireTriggerOrders(t *testing.T) {
	clock := testutil.NewClock(testutil.Date(2026, 3, 1))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	until := clock.Now().Add(48 * time.Hour)
	order := &TriggerOrder{
		ClientID:         "CLIENT_1",
		TriggerType:      TriggerPrice,
		TriggerCondition: condition.LessThan,
		TriggerValue:     90,
		OrderType:        types.OrderPurchase,
		SchemeID:         "SCH_1",
		Amount:           decimal.NewNullDecimal(decimal.NewFromInt(1000)),
		ValidUntil:       &until,
	}
	require.NoError(t, svc.CreateTriggerOrder(ctx, order))

	expired, err := svc.Store().ExpireTriggerOrders(ctx, clock.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = svc.Store().ExpireTriggerOrders(ctx, clock.Now().Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, TriggerOrderExpired, expired[0].Status)

	got, err := svc.Store().GetTriggerOrder(ctx, order.TriggerOrderID)
	require.NoError(t, err)
	assert.Equal(t, TriggerOrderExpired, got.Status)

	_, err = svc.UpdateTriggerOrder(ctx, "CLIENT_1", order.TriggerOrderID, TriggerOrderUpdate{})
	assert.NoError(t, err, "an empty update is a no-op")
	value := 80.0
	_, err = svc.UpdateTriggerOrder(ctx, "CLIENT_1", order.TriggerOrderID, TriggerOrderUpdate{TriggerValue: &value})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}
