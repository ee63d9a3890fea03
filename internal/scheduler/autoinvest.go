package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
)

// autoInvest places today's purchase for an auto-invest rule. Skipped
// occurrences advance the schedule; failed ones are retried next cycle.
// A rule whose next occurrence falls past its end date completes.
func (a *attempt) autoInvest(ctx context.Context, r *rules.AutoInvestRule) error {
	s := a.s
	date := rules.DayOf(a.now)

	var advance map[string]interface{}
	if !a.manual {
		next := rules.NextOccurrence(r.StartDate, r.Frequency, a.now)
		advance = map[string]interface{}{"next_execution_date": next}
		if r.EndDate != nil && next.After(rules.DayOf(*r.EndDate)) {
			advance["status"] = rules.StatusCompleted
		}
	}
	skip := func(reason string, fields map[string]interface{}) error {
		return a.finish(ctx, r, result{date: date, status: types.ExecutionSkipped, reason: reason, fields: fields})
	}
	fail := func(err error) error {
		if err := a.finish(ctx, r, result{date: date, status: types.ExecutionFailed, err: err}); err != nil {
			return err
		}
		if !a.recorded {
			return nil
		}
		return s.notify(ctx, notification.Notice{
			Event:          notification.EventAutoInvestFailed,
			ClientID:       r.ClientID,
			AutomationType: types.AutomationAutoInvest,
			AutomationID:   r.RuleID,
			SchemeID:       r.SchemeID,
			Amount:         decimal.NewNullDecimal(r.Amount),
			OccurredAt:     a.now,
			Message:        fmt.Sprintf("Auto-invest into %s failed: %v", r.SchemeID, err),
		})
	}

	done, err := s.audit.HasSuccess(ctx, types.AutomationAutoInvest, r.RuleID, date)
	if err != nil {
		return err
	}
	if done {
		return skip("already executed on "+date.Format("2006-01-02"), advance)
	}

	if !a.manual {
		cfg, err := r.Condition()
		if err != nil {
			return fail(err)
		}
		if cfg != nil {
			current, err := a.currentValue(ctx, cfg.ValueKind, r.ClientID, cfg.SchemeID)
			if errors.Is(err, marketdata.ErrNoValue) {
				return skip("no value to evaluate the condition against", advance)
			}
			if err != nil {
				return fail(fmt.Errorf("failed to read %s: %w", cfg.ValueKind, err))
			}
			if !a.evaluate(ctx, "auto_invest:"+r.RuleID, cfg.Condition, cfg.Value, current) {
				return skip("condition not met", advance)
			}
		}
	}

	if r.MinBalanceRequired.Valid {
		balance, err := a.currentValue(ctx, marketdata.KindCashBalance, r.ClientID, "")
		if err != nil && !errors.Is(err, marketdata.ErrNoValue) {
			return fail(fmt.Errorf("failed to read cash balance: %w", err))
		}
		if err != nil || decimal.NewFromFloat(balance).LessThan(r.MinBalanceRequired.Decimal) {
			return skip("cash balance below minimum", advance)
		}
	}

	amount := r.Amount
	if r.MaxPerExecution.Valid && amount.GreaterThan(r.MaxPerExecution.Decimal) {
		amount = r.MaxPerExecution.Decimal
	}
	exhausts := false
	if r.MaxTotalAmount.Valid {
		remaining := r.MaxTotalAmount.Decimal.Sub(r.TotalInvested)
		if !remaining.IsPositive() {
			return skip("total amount limit reached", merge(advance, map[string]interface{}{"status": rules.StatusCompleted}))
		}
		if amount.GreaterThanOrEqual(remaining) {
			amount = remaining
			exhausts = true
		}
	}

	orderID, err := s.executor.Execute(ctx, types.Action{
		AutomationType: types.AutomationAutoInvest,
		AutomationID:   r.RuleID,
		ClientID:       r.ClientID,
		OrderType:      types.OrderPurchase,
		SchemeID:       r.SchemeID,
		Amount:         amount,
		ExecutionDate:  date,
	})
	if err != nil {
		return fail(err)
	}

	fields := merge(advance, map[string]interface{}{"total_invested": r.TotalInvested.Add(amount)})
	if exhausts {
		fields["status"] = rules.StatusCompleted
	}
	if err := a.finish(ctx, r, result{
		date:    date,
		status:  types.ExecutionSuccess,
		orderID: orderID,
		fields:  fields,
		details: map[string]interface{}{"amount": amount.String(), "scheme_id": r.SchemeID},
	}); err != nil {
		return err
	}
	if !a.recorded {
		return nil
	}
	return s.notify(ctx, notification.Notice{
		Event:          notification.EventAutoInvestExecuted,
		ClientID:       r.ClientID,
		AutomationType: types.AutomationAutoInvest,
		AutomationID:   r.RuleID,
		SchemeID:       r.SchemeID,
		Amount:         decimal.NewNullDecimal(amount),
		OccurredAt:     a.now,
		Message:        fmt.Sprintf("Invested %s in %s", amount.StringFixed(2), r.SchemeID),
		Metadata:       map[string]interface{}{"order_id": orderID},
	})
}
