package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AutomationType identifies which rule family an automation belongs to
type AutomationType string

const (
	AutomationAutoInvest   AutomationType = "AUTO_INVEST"
	AutomationRebalancing  AutomationType = "REBALANCING"
	AutomationTriggerOrder AutomationType = "TRIGGER_ORDER"

	// AutomationApproval tags orders placed on an operator's authorization
	AutomationApproval AutomationType = "APPROVAL"
)

// ExecutionStatus is the outcome of a single scheduler attempt
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionSkipped ExecutionStatus = "SKIPPED"
)

// Counts reports whether the outcome contributes to a rule's execution count
func (s ExecutionStatus) Counts() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

type OrderType string

const (
	OrderPurchase   OrderType = "PURCHASE"
	OrderRedemption OrderType = "REDEMPTION"
	OrderSwitch     OrderType = "SWITCH"
)

func (o OrderType) Valid() bool {
	switch o {
	case OrderPurchase, OrderRedemption, OrderSwitch:
		return true
	}
	return false
}

// Action is a single order the Action Executor is asked to place
type Action struct {
	AutomationType AutomationType  `json:"automation_type"`
	AutomationID   string          `json:"automation_id"`
	ClientID       string          `json:"client_id"`
	OrderType      OrderType       `json:"order_type"`
	SchemeID       string          `json:"scheme_id"`
	TargetSchemeID string          `json:"target_scheme_id,omitempty"`
	AssetClass     string          `json:"asset_class,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Units          decimal.Decimal `json:"units"`
	ExecutionDate  time.Time       `json:"execution_date"`
	Leg            int             `json:"leg,omitempty"` // position within a multi-order execution
}

// IdempotencyKey is stable for one automation occurrence, so a retried
// attempt never places a second order for it. Legs of a multi-order
// execution are keyed by what they trade, so a re-planned retry places
// changed legs and reuses unchanged ones.
func (a Action) IdempotencyKey() string {
	key := fmt.Sprintf("%s:%s", a.AutomationID, a.ExecutionDate.UTC().Format("2006-01-02"))
	if a.Leg > 0 {
		key = fmt.Sprintf("%s:%s:%s:%s", key, a.OrderType, a.AssetClass, a.Amount.StringFixed(2))
	}
	return key
}
