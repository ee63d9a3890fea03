package rules

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ksred/klear-automation/internal/condition"
	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/types"
)

// allocationTolerance is how far a target allocation may sum away from 100
const allocationTolerance = 0.01

// ValidationError rejects a rule before anything is persisted
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return types.ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConditionConfig is the decoded triggerConfig of a conditional auto-invest rule
type ConditionConfig struct {
	Condition condition.Condition  `json:"condition"`
	Value     float64              `json:"value"`
	ValueKind marketdata.ValueKind `json:"value_kind,omitempty"`
	SchemeID  string               `json:"scheme_id,omitempty"`
}

// defaultValueKind is used when a triggerConfig leaves value_kind out
func defaultValueKind(t AutoInvestTrigger) marketdata.ValueKind {
	switch t {
	case AutoInvestTriggerGoalProgress:
		return marketdata.KindGoalProgress
	case AutoInvestTriggerPortfolioDrift:
		return marketdata.KindPortfolioDrift
	default:
		return marketdata.KindPrice
	}
}

// Condition decodes the rule's triggerConfig. Date triggered rules have none.
func (r *AutoInvestRule) Condition() (*ConditionConfig, error) {
	if r.TriggerType == AutoInvestTriggerDate {
		return nil, nil
	}
	if len(r.TriggerConfig) == 0 {
		return nil, invalid("trigger_config", "required for trigger type %s", r.TriggerType)
	}
	var cfg ConditionConfig
	if err := json.Unmarshal(r.TriggerConfig, &cfg); err != nil {
		return nil, invalid("trigger_config", "malformed: %v", err)
	}
	if cfg.ValueKind == "" {
		cfg.ValueKind = defaultValueKind(r.TriggerType)
	}
	if cfg.SchemeID == "" {
		cfg.SchemeID = r.SchemeID
	}
	return &cfg, nil
}

func validateAutoInvest(r *AutoInvestRule) error {
	if r.ClientID == "" {
		return invalid("client_id", "required")
	}
	if r.SchemeID == "" {
		return invalid("scheme_id", "required")
	}
	if !r.Amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if !r.Frequency.Valid() {
		return invalid("frequency", "unsupported value %q", r.Frequency)
	}
	switch r.TriggerType {
	case AutoInvestTriggerDate:
	case AutoInvestTriggerGoalProgress, AutoInvestTriggerPortfolioDrift, AutoInvestTriggerMarketCondition:
		cfg, err := r.Condition()
		if err != nil {
			return err
		}
		if !cfg.Condition.Valid() {
			return invalid("trigger_config.condition", "unsupported value %q", cfg.Condition)
		}
		if !cfg.ValueKind.Valid() {
			return invalid("trigger_config.value_kind", "unsupported value %q", cfg.ValueKind)
		}
	default:
		return invalid("trigger_type", "unsupported value %q", r.TriggerType)
	}
	if r.StartDate.IsZero() {
		return invalid("start_date", "required")
	}
	if r.EndDate != nil && DayOf(*r.EndDate).Before(DayOf(r.StartDate)) {
		return invalid("end_date", "before start_date")
	}
	for field, limit := range map[string]struct {
		valid    bool
		positive bool
	}{
		"max_total_amount":     {r.MaxTotalAmount.Valid, r.MaxTotalAmount.Decimal.IsPositive()},
		"max_per_execution":    {r.MaxPerExecution.Valid, r.MaxPerExecution.Decimal.IsPositive()},
		"min_balance_required": {r.MinBalanceRequired.Valid, !r.MinBalanceRequired.Decimal.IsNegative()},
	} {
		if limit.valid && !limit.positive {
			return invalid(field, "must be positive")
		}
	}
	return nil
}

// ValidateAllocation checks every weight is a percentage and the weights sum to 100
func ValidateAllocation(a Allocation) error {
	if len(a) == 0 {
		return invalid("target_allocation", "at least one asset class required")
	}
	var sum float64
	for class, pct := range a {
		if class == "" {
			return invalid("target_allocation", "empty asset class")
		}
		if pct < 0 || pct > 100 {
			return invalid("target_allocation", "%s weight %.2f outside [0,100]", class, pct)
		}
		sum += pct
	}
	if math.Abs(sum-100) > allocationTolerance {
		return invalid("target_allocation", "weights sum to %.4f, expected 100", sum)
	}
	return nil
}

// applyStrategyDefaults fills in trigger and confirmation flags the caller left unset
func applyStrategyDefaults(r *RebalancingRule) {
	if !r.TriggerOnDrift && !r.TriggerOnSchedule {
		switch r.Strategy {
		case StrategyThresholdBased, StrategyDriftBased:
			r.TriggerOnDrift = true
		case StrategyTimeBased:
			r.TriggerOnSchedule = true
		case StrategyHybrid:
			r.TriggerOnDrift = true
			r.TriggerOnSchedule = true
		}
	}
	if !r.ExecuteAutomatically && !r.RequireConfirmation {
		r.ExecuteAutomatically = true
	}
}

func validateRebalancing(r *RebalancingRule) error {
	if r.ClientID == "" {
		return invalid("client_id", "required")
	}
	switch r.Strategy {
	case StrategyThresholdBased, StrategyTimeBased, StrategyDriftBased, StrategyHybrid:
	default:
		return invalid("strategy", "unsupported value %q", r.Strategy)
	}
	if err := ValidateAllocation(r.Target()); err != nil {
		return err
	}
	if r.ThresholdPercent <= 0 {
		return invalid("threshold_percent", "must be greater than zero")
	}
	if r.Frequency != "" && !r.Frequency.Valid() {
		return invalid("frequency", "unsupported value %q", r.Frequency)
	}
	if r.TriggerOnSchedule && r.Frequency == "" {
		return invalid("frequency", "required when trigger_on_schedule is set")
	}
	if !r.TriggerOnDrift && !r.TriggerOnSchedule {
		return invalid("trigger_on_drift", "at least one of trigger_on_drift or trigger_on_schedule must be set")
	}
	if r.DayOfMonth != nil && (*r.DayOfMonth < 1 || *r.DayOfMonth > 31) {
		return invalid("day_of_month", "must be within [1,31]")
	}
	if r.DayOfWeek != nil && (*r.DayOfWeek < 0 || *r.DayOfWeek > 6) {
		return invalid("day_of_week", "must be within [0,6]")
	}
	if r.ExecuteAutomatically && r.RequireConfirmation {
		return invalid("require_confirmation", "cannot be combined with execute_automatically")
	}
	return nil
}

func validTriggerType(t TriggerType) bool {
	switch t {
	case TriggerPrice, TriggerNAV, TriggerPortfolioValue, TriggerGoalProgress, TriggerDate, TriggerCustom:
		return true
	}
	return false
}

func validateTriggerOrder(o *TriggerOrder) error {
	if o.ClientID == "" {
		return invalid("client_id", "required")
	}
	if o.SchemeID == "" {
		return invalid("scheme_id", "required")
	}
	if !validTriggerType(o.TriggerType) {
		return invalid("trigger_type", "unsupported value %q", o.TriggerType)
	}
	if !o.TriggerCondition.Valid() {
		return invalid("trigger_condition", "unsupported value %q", o.TriggerCondition)
	}
	if !o.OrderType.Valid() {
		return invalid("order_type", "unsupported value %q", o.OrderType)
	}
	if o.Amount.Valid == o.Units.Valid {
		return invalid("amount", "exactly one of amount or units is required")
	}
	if o.Amount.Valid && !o.Amount.Decimal.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if o.Units.Valid && !o.Units.Decimal.IsPositive() {
		return invalid("units", "must be greater than zero")
	}
	if o.OrderType == types.OrderSwitch {
		if o.TargetSchemeID == "" {
			return invalid("target_scheme_id", "required for switch orders")
		}
		if o.TargetSchemeID == o.SchemeID {
			return invalid("target_scheme_id", "must differ from scheme_id")
		}
	}
	if o.ValidFrom.IsZero() {
		return invalid("valid_from", "required")
	}
	if o.ValidUntil != nil && !o.ValidUntil.After(o.ValidFrom) {
		return invalid("valid_until", "must be after valid_from")
	}
	return nil
}

// ValueKind maps a trigger type to the Value Source kind it observes
func (o *TriggerOrder) ValueKind() marketdata.ValueKind {
	switch o.TriggerType {
	case TriggerPrice:
		return marketdata.KindPrice
	case TriggerNAV:
		return marketdata.KindNAV
	case TriggerPortfolioValue:
		return marketdata.KindPortfolioValue
	case TriggerGoalProgress:
		return marketdata.KindGoalProgress
	default:
		return marketdata.KindCustom
	}
}
