package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// rebalancing checks a rule's schedule and drift and either executes the
// rebalancing or parks it for the client's confirmation. A drift check
// that finds nothing to do records nothing.
func (a *attempt) rebalancing(ctx context.Context, r *rules.RebalancingRule) error {
	s := a.s
	date := rules.DayOf(a.now)
	scheduled := a.manual || rules.ScheduleDue(r, a.now)

	var advance map[string]interface{}
	if !a.manual && rules.ScheduleDue(r, a.now) {
		advance = map[string]interface{}{"next_rebalancing_date": rules.NextRebalancingDate(r, a.now)}
	}
	skip := func(reason string) error {
		if !scheduled {
			return nil
		}
		return a.finish(ctx, r, result{date: date, status: types.ExecutionSkipped, reason: reason, fields: advance})
	}

	done, err := s.audit.HasSuccess(ctx, types.AutomationRebalancing, r.RuleID, date)
	if err != nil {
		return err
	}
	if done {
		return skip("already rebalanced on " + date.Format("2006-01-02"))
	}
	pending, err := s.store.PendingRebalancingExecution(ctx, r.RuleID)
	if err != nil {
		return err
	}
	if pending != nil {
		return skip("awaiting confirmation of " + pending.ExecutionID)
	}

	current, err := s.values.CurrentAllocation(ctx, r.ClientID)
	if err != nil {
		if !scheduled {
			s.logger.Debug().Err(err).Str("automation_id", r.RuleID).Msg("no allocation to check drift against")
			return nil
		}
		return a.finish(ctx, r, result{date: date, status: types.ExecutionFailed, err: fmt.Errorf("failed to read allocation: %w", err)})
	}
	allocation := rules.Allocation(current)
	if !scheduled && !rules.DriftDue(r, allocation) {
		return nil
	}

	value, err := a.currentValue(ctx, marketdata.KindPortfolioValue, r.ClientID, "")
	if err != nil {
		return a.finish(ctx, r, result{date: date, status: types.ExecutionFailed, err: fmt.Errorf("failed to read portfolio value: %w", err)})
	}
	portfolioValue := decimal.NewFromFloat(value).Round(2)
	actions := rules.PlanActions(r.Target(), allocation, portfolioValue)
	if len(actions) == 0 {
		return skip("allocation already on target")
	}

	drift := rules.MaxDrift(r.Target(), allocation)
	exec := &rules.RebalancingExecution{
		ExecutionID:       "RBX_" + uuid.New().String(),
		RuleID:            r.RuleID,
		ClientID:          r.ClientID,
		ExecutionDate:     date,
		Status:            rules.RebalancingPending,
		CurrentAllocation: datatypes.NewJSONType(allocation),
		TargetAllocation:  datatypes.NewJSONType(r.Target()),
		DriftPercent:      drift,
		PortfolioValue:    portfolioValue,
		Actions:           actions,
		OrderIDs:          datatypes.JSONSlice[string]{},
		CreatedAt:         a.now,
		UpdatedAt:         a.now,
	}

	if !r.ExecuteAutomatically && !a.manual {
		err := a.finish(ctx, r, result{
			date:    date,
			status:  types.ExecutionSkipped,
			reason:  "awaiting confirmation",
			fields:  advance,
			details: map[string]interface{}{"execution_id": exec.ExecutionID, "drift_percent": drift},
			extra: func(tx *gorm.DB) error {
				return rules.NewDatabase(tx).CreateRebalancingExecution(ctx, exec)
			},
		})
		if err != nil || !a.recorded {
			return err
		}
		return s.notify(ctx, notification.Notice{
			Event:          notification.EventRebalancingRequired,
			ClientID:       r.ClientID,
			AutomationType: types.AutomationRebalancing,
			AutomationID:   r.RuleID,
			OccurredAt:     a.now,
			Message:        fmt.Sprintf("Portfolio drifted %.2f%% from target, %d orders await confirmation", drift, len(actions)),
			Metadata:       map[string]interface{}{"execution_id": exec.ExecutionID, "drift_percent": drift},
		})
	}

	return a.executeRebalancing(ctx, r, exec, advance, true)
}

// executeRebalancing places the execution's legs in order and stops at
// the first failure. A new execution is inserted, a confirmed one has
// already been claimed and is moved out of Executing.
func (a *attempt) executeRebalancing(ctx context.Context, r *rules.RebalancingRule, exec *rules.RebalancingExecution, advance map[string]interface{}, insert bool) error {
	s := a.s
	orderIDs := make([]string, 0, len(exec.Actions))
	var failure error
	for i, leg := range exec.Actions {
		orderID, err := s.executor.Execute(ctx, types.Action{
			AutomationType: types.AutomationRebalancing,
			AutomationID:   r.RuleID,
			ClientID:       r.ClientID,
			OrderType:      leg.OrderType,
			AssetClass:     leg.AssetClass,
			Amount:         leg.Amount,
			ExecutionDate:  exec.ExecutionDate,
			Leg:            i + 1,
		})
		if err != nil {
			failure = fmt.Errorf("leg %d (%s %s): %w", i+1, leg.OrderType, leg.AssetClass, err)
			break
		}
		orderIDs = append(orderIDs, orderID)
	}

	exec.OrderIDs = orderIDs
	exec.Status = rules.RebalancingExecuted
	res := result{
		date:    exec.ExecutionDate,
		status:  types.ExecutionSuccess,
		fields:  advance,
		details: map[string]interface{}{"execution_id": exec.ExecutionID, "order_ids": orderIDs, "drift_percent": exec.DriftPercent},
	}
	if failure != nil {
		exec.Status = rules.RebalancingFailed
		exec.Error = failure.Error()
		res.status = types.ExecutionFailed
		res.err = failure
		res.fields = nil
	}
	if len(orderIDs) > 0 {
		res.orderID = orderIDs[0]
	}
	res.extra = func(tx *gorm.DB) error {
		store := rules.NewDatabase(tx)
		if insert {
			return store.CreateRebalancingExecution(ctx, exec)
		}
		return store.UpdateRebalancingExecution(ctx, exec.ExecutionID, rules.RebalancingExecuting, map[string]interface{}{
			"status":    exec.Status,
			"order_ids": exec.OrderIDs,
			"error":     exec.Error,
		})
	}

	if err := a.finish(ctx, r, res); err != nil {
		return err
	}
	a.out.OrderIDs = orderIDs
	if !a.recorded {
		return nil
	}

	notice := notification.Notice{
		Event:          notification.EventRebalancingExecuted,
		ClientID:       r.ClientID,
		AutomationType: types.AutomationRebalancing,
		AutomationID:   r.RuleID,
		Amount:         decimal.NewNullDecimal(exec.PortfolioValue),
		OccurredAt:     a.now,
		Message:        fmt.Sprintf("Rebalanced portfolio with %d orders", len(orderIDs)),
		Metadata:       map[string]interface{}{"execution_id": exec.ExecutionID, "order_ids": orderIDs},
	}
	if failure != nil {
		notice.Event = notification.EventOrderFailed
		notice.Message = fmt.Sprintf("Rebalancing stopped after %d of %d orders: %v", len(orderIDs), len(exec.Actions), failure)
	}
	return s.notify(ctx, notice)
}
