package rules

import (
	"math"
	"time"
)

// DayOf truncates t to midnight UTC
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// addMonths moves anchor forward n months, clamping to the last day of
// shorter months. Jan 31 + 1 month is Feb 28 (or 29).
func addMonths(anchor time.Time, n int) time.Time {
	y, m, d := anchor.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// AddPeriod returns the n-th occurrence after anchor for the frequency
func AddPeriod(anchor time.Time, f Frequency, n int) time.Time {
	anchor = DayOf(anchor)
	switch f {
	case FrequencyDaily:
		return anchor.AddDate(0, 0, n)
	case FrequencyWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case FrequencyMonthly:
		return addMonths(anchor, n)
	case FrequencyQuarterly:
		return addMonths(anchor, 3*n)
	}
	return anchor
}

// NextOccurrence is the first schedule occurrence, counted from anchor,
// strictly after the day of after. Missed occurrences are not replayed.
func NextOccurrence(anchor time.Time, f Frequency, after time.Time) time.Time {
	anchor = DayOf(anchor)
	after = DayOf(after)
	if anchor.After(after) {
		return anchor
	}

	var n int
	switch f {
	case FrequencyDaily:
		n = int(after.Sub(anchor).Hours()/24) + 1
	case FrequencyWeekly:
		n = int(after.Sub(anchor).Hours()/(24*7)) + 1
	case FrequencyMonthly, FrequencyQuarterly:
		months := (after.Year()-anchor.Year())*12 + int(after.Month()-anchor.Month())
		if f == FrequencyQuarterly {
			n = months / 3
		} else {
			n = months
		}
		if n < 1 {
			n = 1
		}
	default:
		return after.AddDate(0, 0, 1)
	}

	next := AddPeriod(anchor, f, n)
	for !next.After(after) {
		n++
		next = AddPeriod(anchor, f, n)
	}
	return next
}

// FirstOccurrenceFrom is the first occurrence on or after from
func FirstOccurrenceFrom(anchor time.Time, f Frequency, from time.Time) time.Time {
	return NextOccurrence(anchor, f, DayOf(from).AddDate(0, 0, -1))
}

// NextRebalancingDate is the next scheduled rebalancing strictly after
// the day of after, honouring dayOfMonth / dayOfWeek. Rules without a
// schedule return nil.
func NextRebalancingDate(r *RebalancingRule, after time.Time) *time.Time {
	if !r.TriggerOnSchedule || r.Frequency == "" {
		return nil
	}
	after = DayOf(after)

	var next time.Time
	switch r.Frequency {
	case FrequencyDaily:
		next = after.AddDate(0, 0, 1)
	case FrequencyWeekly:
		next = after.AddDate(0, 0, 7)
		if r.DayOfWeek != nil {
			delta := (*r.DayOfWeek - int(after.Weekday()) + 7) % 7
			if delta == 0 {
				delta = 7
			}
			next = after.AddDate(0, 0, delta)
		}
	case FrequencyMonthly, FrequencyQuarterly:
		step := 1
		if r.Frequency == FrequencyQuarterly {
			step = 3
		}
		day := 1
		if r.DayOfMonth != nil {
			day = *r.DayOfMonth
		}
		month := time.Date(after.Year(), after.Month(), 1, 0, 0, 0, 0, time.UTC)
		next = dayInMonth(month, day)
		if !next.After(after) {
			next = dayInMonth(month.AddDate(0, step, 0), day)
		}
	default:
		return nil
	}
	return &next
}

func dayInMonth(month time.Time, day int) time.Time {
	if last := daysIn(month.Year(), month.Month()); day > last {
		day = last
	}
	return time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, time.UTC)
}

// MaxDrift is the largest absolute percentage point gap between the two
// allocations. Asset classes missing on one side count as zero there.
func MaxDrift(target, current Allocation) float64 {
	var drift float64
	for class, want := range target {
		drift = math.Max(drift, math.Abs(current[class]-want))
	}
	for class, have := range current {
		if _, ok := target[class]; !ok {
			drift = math.Max(drift, math.Abs(have))
		}
	}
	return drift
}
