package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-automation/internal/auditlog"
	"github.com/ksred/klear-automation/internal/condition"
	"github.com/ksred/klear-automation/internal/executor"
	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/types"
	"gorm.io/gorm"
)

// attempt is one leased execution of one rule
type attempt struct {
	s        *Scheduler
	owner    string
	now      time.Time
	manual   bool
	out      *Outcome
	recorded bool
}

// result is the outcome to write back for an attempt
type result struct {
	date    time.Time
	status  types.ExecutionStatus
	orderID string
	err     error
	reason  string
	fields  map[string]interface{}
	details map[string]interface{}
	// extra runs inside the same transaction as the rule update
	extra func(tx *gorm.DB) error
}

// finish updates the rule and appends its audit row in one transaction,
// so the execution count always matches the counted rows
func (a *attempt) finish(ctx context.Context, rule rules.Rule, res result) error {
	ctx = context.WithoutCancel(ctx)
	kind, id := rule.Kind(), rule.AutomationID()

	entry := auditlog.Entry{
		AutomationType: kind,
		AutomationID:   id,
		ClientID:       rule.Owner(),
		ExecutionDate:  res.date,
		Status:         res.status,
		OrderID:        res.orderID,
		Details:        res.details,
	}
	if res.err != nil {
		entry.Error = res.err.Error()
		var execErr *executor.Error
		if errors.As(res.err, &execErr) {
			entry.ErrorKind = auditlog.ErrorKind(execErr.Kind)
		}
	}
	if res.reason != "" {
		if entry.Details == nil {
			entry.Details = make(map[string]interface{})
		}
		entry.Details["reason"] = res.reason
	}

	err := a.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := rules.ExecutionUpdate{
			Status:     res.status,
			Error:      entry.Error,
			ExecutedAt: a.now,
			Fields:     res.fields,
		}
		if err := rules.NewDatabase(tx).UpdateRuleAfterExecution(ctx, kind, id, a.owner, upd); err != nil {
			return err
		}
		if res.extra != nil {
			if err := res.extra(tx); err != nil {
				return err
			}
		}
		_, err := auditlog.NewDatabase(tx).Record(ctx, entry)
		return err
	})
	if errors.Is(err, types.ErrLeaseLost) {
		a.s.logger.Warn().Str("automation_id", id).Msg("lease lost before the outcome was recorded")
		a.out.Contended = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", id, err)
	}

	a.recorded = true
	a.out.Status = res.status
	a.out.Reason = res.reason
	a.out.Error = entry.Error
	if res.orderID != "" && len(a.out.OrderIDs) == 0 {
		a.out.OrderIDs = []string{res.orderID}
	}

	logger := a.s.logger.With().
		Str("automation_id", id).
		Str("automation_type", string(kind)).
		Str("status", string(res.status)).
		Bool("manual", a.manual).
		Logger()
	switch res.status {
	case types.ExecutionFailed:
		logger.Warn().Str("error", entry.Error).Str("error_kind", string(entry.ErrorKind)).Msg("automation failed")
		return a.afterFailure(ctx, rule)
	case types.ExecutionSkipped:
		logger.Debug().Str("reason", res.reason).Msg("automation skipped")
	default:
		logger.Info().Str("order_id", res.orderID).Msg("automation executed")
	}
	return nil
}

// afterFailure retires the rule once it has failed too often in a row
func (a *attempt) afterFailure(ctx context.Context, rule rules.Rule) error {
	limit := a.s.cfg.MaxConsecutiveFailures
	if limit <= 0 {
		return nil
	}
	streak, err := a.s.audit.ConsecutiveFailures(ctx, rule.AutomationID())
	if err != nil {
		return err
	}
	if streak < limit {
		return nil
	}

	err = a.s.rules.PauseAfterFailures(ctx, rule.Kind(), rule.AutomationID(), a.owner)
	if errors.Is(err, types.ErrLeaseLost) {
		return nil
	}
	if err != nil {
		return err
	}
	a.s.logger.Warn().
		Str("automation_id", rule.AutomationID()).
		Int("consecutive_failures", streak).
		Msg("automation paused after repeated failures")
	return a.s.notify(ctx, notification.Notice{
		Event:          notification.EventAutomationPaused,
		ClientID:       rule.Owner(),
		AutomationType: rule.Kind(),
		AutomationID:   rule.AutomationID(),
		OccurredAt:     a.now,
		Message:        fmt.Sprintf("Automation %s was stopped after %d consecutive failures", rule.AutomationID(), streak),
		Metadata:       map[string]interface{}{"consecutive_failures": streak},
	})
}

// currentValue reads a value, scoping it to the scheme only for kinds
// that are observed per scheme
func (a *attempt) currentValue(ctx context.Context, kind marketdata.ValueKind, clientID, schemeID string) (float64, error) {
	if !kind.SchemeScoped() {
		schemeID = ""
	}
	return a.s.values.CurrentValue(ctx, kind, clientID, schemeID)
}

// evaluate checks cond against current and the value seen at key on the
// previous evaluation, then remembers current for the next one
func (a *attempt) evaluate(ctx context.Context, key string, cond condition.Condition, trigger, current float64) bool {
	var previous *float64
	last, ok, err := a.s.history.Last(ctx, key)
	if err != nil {
		a.s.logger.Warn().Err(err).Str("key", key).Msg("value history unavailable")
	} else if ok {
		previous = &last
	}
	if err := a.s.history.Record(ctx, key, current); err != nil {
		a.s.logger.Warn().Err(err).Str("key", key).Msg("failed to record observed value")
	}
	return condition.Evaluate(cond, trigger, current, previous)
}

// merge returns a copy of base with extra applied on top
func merge(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
