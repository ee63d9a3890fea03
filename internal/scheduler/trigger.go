package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
)

// triggerOrder evaluates an Active order and, once it fires, places it.
// A Triggered order whose placement failed is retried without evaluating
// its condition again.
func (a *attempt) triggerOrder(ctx context.Context, o *rules.TriggerOrder) error {
	s := a.s
	if o.Status == rules.TriggerOrderActive {
		if !a.manual {
			current, err := a.observe(ctx, o)
			if err != nil {
				s.logger.Debug().Err(err).Str("automation_id", o.TriggerOrderID).Msg("cannot evaluate trigger order")
				return nil
			}
			if !a.evaluate(ctx, "trigger_order:"+o.TriggerOrderID, o.TriggerCondition, o.TriggerValue, current) {
				return nil
			}
			a.out.Reason = fmt.Sprintf("%s %s %g at %g", o.TriggerType, o.TriggerCondition, o.TriggerValue, current)
		}

		if err := s.store.MarkTriggered(ctx, o.TriggerOrderID, a.owner, a.now); err != nil {
			if errors.Is(err, types.ErrLeaseLost) {
				a.out.Contended = true
				return nil
			}
			return err
		}
		triggeredAt := a.now
		o.Status = rules.TriggerOrderTriggered
		o.TriggeredAt = &triggeredAt
		if err := a.notifyTriggered(ctx, o); err != nil {
			return err
		}
	}

	// the order is keyed to the day it fired so retries never duplicate it
	date := rules.DayOf(a.now)
	if o.TriggeredAt != nil {
		date = rules.DayOf(*o.TriggeredAt)
	}
	action := types.Action{
		AutomationType: types.AutomationTriggerOrder,
		AutomationID:   o.TriggerOrderID,
		ClientID:       o.ClientID,
		OrderType:      o.OrderType,
		SchemeID:       o.SchemeID,
		TargetSchemeID: o.TargetSchemeID,
		ExecutionDate:  date,
	}
	if o.Amount.Valid {
		action.Amount = o.Amount.Decimal
	} else {
		action.Units = o.Units.Decimal
	}

	notice := notification.Notice{
		Event:          notification.EventOrderExecuted,
		ClientID:       o.ClientID,
		AutomationType: types.AutomationTriggerOrder,
		AutomationID:   o.TriggerOrderID,
		SchemeID:       o.SchemeID,
		OccurredAt:     a.now,
	}
	if o.Amount.Valid {
		notice.Amount = decimal.NewNullDecimal(o.Amount.Decimal)
	}

	orderID, err := s.executor.Execute(ctx, action)
	if err != nil {
		if err := a.finish(ctx, o, result{date: date, status: types.ExecutionFailed, err: err}); err != nil || !a.recorded {
			return err
		}
		notice.Event = notification.EventOrderFailed
		notice.Message = fmt.Sprintf("Trigger order %s could not be placed: %v", o.TriggerOrderID, err)
		return s.notify(ctx, notice)
	}

	executedAt := a.now
	if err := a.finish(ctx, o, result{
		date:    date,
		status:  types.ExecutionSuccess,
		orderID: orderID,
		fields: map[string]interface{}{
			"status":      rules.TriggerOrderExecuted,
			"executed_at": &executedAt,
			"order_id":    orderID,
		},
	}); err != nil || !a.recorded {
		return err
	}
	notice.Message = fmt.Sprintf("%s order for %s placed", o.OrderType, o.SchemeID)
	notice.Metadata = map[string]interface{}{"order_id": orderID}
	return s.notify(ctx, notice)
}

// observe reads the value an order's condition is evaluated against.
// Date triggers compare Unix seconds.
func (a *attempt) observe(ctx context.Context, o *rules.TriggerOrder) (float64, error) {
	if o.TriggerType == rules.TriggerDate {
		return float64(a.now.Unix()), nil
	}
	return a.currentValue(ctx, o.ValueKind(), o.ClientID, o.SchemeID)
}

func (a *attempt) notifyTriggered(ctx context.Context, o *rules.TriggerOrder) error {
	n := notification.Notice{
		Event:          notification.EventTriggerOrderTriggered,
		ClientID:       o.ClientID,
		AutomationType: types.AutomationTriggerOrder,
		AutomationID:   o.TriggerOrderID,
		SchemeID:       o.SchemeID,
		OccurredAt:     a.now,
		Message:        fmt.Sprintf("Trigger order %s fired", o.TriggerOrderID),
	}
	if a.out.Reason != "" {
		n.Metadata = map[string]interface{}{"condition": a.out.Reason}
	}
	if err := a.s.notify(ctx, n); err != nil {
		return err
	}
	if o.TriggerType != rules.TriggerGoalProgress || o.GoalID == "" {
		return nil
	}
	return a.s.notify(ctx, notification.Notice{
		Event:          notification.EventGoalMilestoneReached,
		ClientID:       o.ClientID,
		AutomationType: types.AutomationTriggerOrder,
		AutomationID:   o.TriggerOrderID,
		OccurredAt:     a.now,
		Message:        fmt.Sprintf("Goal %s reached %g%%", o.GoalID, o.TriggerValue),
		Metadata:       map[string]interface{}{"goal_id": o.GoalID},
	})
}
