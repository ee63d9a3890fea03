package rules

import "time"

// AutoInvestDue reports whether an auto-invest rule should run today
func AutoInvestDue(r *AutoInvestRule, now time.Time) bool {
	if !r.IsEnabled || r.Status != StatusActive {
		return false
	}
	today := DayOf(now)
	if DayOf(r.NextExecutionDate).After(today) || DayOf(r.StartDate).After(today) {
		return false
	}
	return r.EndDate == nil || !today.After(DayOf(*r.EndDate))
}

// ScheduleDue reports whether a schedule-triggered rebalancing is due today
func ScheduleDue(r *RebalancingRule, now time.Time) bool {
	if !r.IsEnabled || r.Status != StatusActive || !r.TriggerOnSchedule || r.NextRebalancingDate == nil {
		return false
	}
	return !DayOf(*r.NextRebalancingDate).After(DayOf(now))
}

// DriftDue reports whether the current allocation has drifted at least
// thresholdPercent away from target on any asset class
func DriftDue(r *RebalancingRule, current Allocation) bool {
	if !r.IsEnabled || r.Status != StatusActive || !r.TriggerOnDrift {
		return false
	}
	return MaxDrift(r.Target(), current) >= r.ThresholdPercent
}

// InWindow reports whether now falls inside the trigger order's validity window
func InWindow(o *TriggerOrder, now time.Time) bool {
	if now.Before(o.ValidFrom) {
		return false
	}
	return o.ValidUntil == nil || !now.After(*o.ValidUntil)
}

// Schedulable reports whether the rule may be returned as a due candidate
func Schedulable(rule Rule, now time.Time) bool {
	switch r := rule.(type) {
	case *AutoInvestRule:
		return AutoInvestDue(r, now)
	case *RebalancingRule:
		if !r.IsEnabled || r.Status != StatusActive {
			return false
		}
		return r.TriggerOnDrift || ScheduleDue(r, now)
	case *TriggerOrder:
		return r.Status.Live() && InWindow(r, now)
	}
	return false
}
