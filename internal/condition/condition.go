// Package condition decides whether a trigger condition holds for an
// observed value. It keeps no state: callers supply the previous
// observation when a crossing condition needs one.
package condition

import "math"

type Condition string

const (
	GreaterThan  Condition = "GREATER_THAN"
	LessThan     Condition = "LESS_THAN"
	Equals       Condition = "EQUALS"
	CrossesAbove Condition = "CROSSES_ABOVE"
	CrossesBelow Condition = "CROSSES_BELOW"
)

// Epsilon is the tolerance used by Equals, scaled by the magnitude of the operands
const Epsilon = 1e-6

func (c Condition) Valid() bool {
	switch c {
	case GreaterThan, LessThan, Equals, CrossesAbove, CrossesBelow:
		return true
	}
	return false
}

// NeedsHistory reports whether the condition compares against a previous observation
func (c Condition) NeedsHistory() bool {
	return c == CrossesAbove || c == CrossesBelow
}

// Evaluate reports whether cond holds for current against trigger.
// previous is nil when no earlier observation exists; a first observation
// never crosses.
func Evaluate(cond Condition, trigger, current float64, previous *float64) bool {
	switch cond {
	case GreaterThan:
		return current > trigger
	case LessThan:
		return current < trigger
	case Equals:
		return almostEqual(current, trigger)
	case CrossesAbove:
		if previous == nil {
			return false
		}
		return *previous < trigger && trigger <= current
	case CrossesBelow:
		if previous == nil {
			return false
		}
		return *previous > trigger && trigger >= current
	}
	return false
}

func almostEqual(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= Epsilon*scale
}
