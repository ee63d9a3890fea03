package rules

import (
	"math"
	"sort"

	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PlanActions sizes one order per asset class that is off target, using
// the portfolio value. Sells come before buys so purchases are funded.
func PlanActions(target, current Allocation, portfolioValue decimal.Decimal) []RebalancingAction {
	seen := make(map[string]bool, len(target)+len(current))
	classes := make([]string, 0, len(target)+len(current))
	for _, a := range []Allocation{target, current} {
		for class := range a {
			if !seen[class] {
				seen[class] = true
				classes = append(classes, class)
			}
		}
	}
	sort.Strings(classes)

	var sells, buys []RebalancingAction
	for _, class := range classes {
		want, have := target[class], current[class]
		gap := want - have
		amount := portfolioValue.Mul(decimal.NewFromFloat(math.Abs(gap))).Div(hundred).Round(2)
		if !amount.IsPositive() {
			continue
		}
		action := RebalancingAction{
			AssetClass:     class,
			Amount:         amount,
			CurrentPercent: have,
			TargetPercent:  want,
		}
		if gap < 0 {
			action.OrderType = types.OrderRedemption
			sells = append(sells, action)
		} else {
			action.OrderType = types.OrderPurchase
			buys = append(buys, action)
		}
	}
	return append(sells, buys...)
}
