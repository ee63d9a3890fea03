package rules

import (
	"time"

	"github.com/ksred/klear-automation/internal/condition"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is shared by auto-invest and rebalancing rules
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Terminal statuses are never scheduled again
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type Frequency string

const (
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly:
		return true
	}
	return false
}

type AutoInvestTrigger string

const (
	AutoInvestTriggerDate            AutoInvestTrigger = "DATE"
	AutoInvestTriggerGoalProgress    AutoInvestTrigger = "GOAL_PROGRESS"
	AutoInvestTriggerPortfolioDrift  AutoInvestTrigger = "PORTFOLIO_DRIFT"
	AutoInvestTriggerMarketCondition AutoInvestTrigger = "MARKET_CONDITION"
)

type RebalancingStrategy string

const (
	StrategyThresholdBased RebalancingStrategy = "THRESHOLD_BASED"
	StrategyTimeBased      RebalancingStrategy = "TIME_BASED"
	StrategyDriftBased     RebalancingStrategy = "DRIFT_BASED"
	StrategyHybrid         RebalancingStrategy = "HYBRID"
)

type TriggerType string

const (
	TriggerPrice          TriggerType = "PRICE"
	TriggerNAV            TriggerType = "NAV"
	TriggerPortfolioValue TriggerType = "PORTFOLIO_VALUE"
	TriggerGoalProgress   TriggerType = "GOAL_PROGRESS"
	TriggerDate           TriggerType = "DATE"
	TriggerCustom         TriggerType = "CUSTOM"
)

type TriggerOrderStatus string

const (
	TriggerOrderActive    TriggerOrderStatus = "ACTIVE"
	TriggerOrderTriggered TriggerOrderStatus = "TRIGGERED"
	TriggerOrderExecuted  TriggerOrderStatus = "EXECUTED"
	TriggerOrderCancelled TriggerOrderStatus = "CANCELLED"
	TriggerOrderExpired   TriggerOrderStatus = "EXPIRED"
)

// Live trigger orders are still evaluated or awaiting execution
func (s TriggerOrderStatus) Live() bool {
	return s == TriggerOrderActive || s == TriggerOrderTriggered
}

type RebalancingExecutionStatus string

const (
	RebalancingPending   RebalancingExecutionStatus = "PENDING"
	RebalancingExecuting RebalancingExecutionStatus = "EXECUTING"
	RebalancingExecuted  RebalancingExecutionStatus = "EXECUTED"
	RebalancingFailed    RebalancingExecutionStatus = "FAILED"
	RebalancingCancelled RebalancingExecutionStatus = "CANCELLED"
)

// Allocation maps an asset class to its percentage of the portfolio
type Allocation map[string]float64

// ExecutionState is the execution bookkeeping every rule family carries
type ExecutionState struct {
	ExecutionCount      int                   `gorm:"not null;default:0" json:"execution_count"`
	LastExecutionDate   *time.Time            `json:"last_execution_date,omitempty"`
	LastExecutionStatus types.ExecutionStatus `json:"last_execution_status,omitempty"`
	LastExecutionError  string                `json:"last_execution_error,omitempty"`
}

// Lease is the advisory in-flight marker held while a rule executes
type Lease struct {
	LockedUntil *time.Time `gorm:"index" json:"-"`
	LockOwner   string     `json:"-"`
}

type AutoInvestRule struct {
	gorm.Model         `json:"-"`
	RuleID             string              `gorm:"uniqueIndex" json:"rule_id"`
	ClientID           string              `gorm:"index" json:"client_id"`
	SchemeID           string              `json:"scheme_id"`
	GoalID             string              `json:"goal_id,omitempty"`
	Amount             decimal.Decimal     `gorm:"type:decimal(20,4)" json:"amount"`
	Frequency          Frequency           `json:"frequency"`
	TriggerType        AutoInvestTrigger   `json:"trigger_type"`
	TriggerConfig      datatypes.JSON      `json:"trigger_config,omitempty"`
	StartDate          time.Time           `json:"start_date"`
	EndDate            *time.Time          `json:"end_date,omitempty"`
	NextExecutionDate  time.Time           `gorm:"index" json:"next_execution_date"`
	Status             Status              `gorm:"index" json:"status"`
	IsEnabled          bool                `json:"is_enabled"`
	MaxTotalAmount     decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"max_total_amount"`
	MaxPerExecution    decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"max_per_execution"`
	MinBalanceRequired decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"min_balance_required"`
	TotalInvested      decimal.Decimal     `gorm:"type:decimal(20,4)" json:"total_invested"`
	ExecutionState
	Lease
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RebalancingRule struct {
	gorm.Model           `json:"-"`
	RuleID               string                         `gorm:"uniqueIndex" json:"rule_id"`
	ClientID             string                         `gorm:"index" json:"client_id"`
	Name                 string                         `json:"name"`
	Strategy             RebalancingStrategy            `json:"strategy"`
	TargetAllocation     datatypes.JSONType[Allocation] `json:"target_allocation"`
	ThresholdPercent     float64                        `json:"threshold_percent"`
	Frequency            Frequency                      `json:"frequency,omitempty"`
	DayOfMonth           *int                           `json:"day_of_month,omitempty"`
	DayOfWeek            *int                           `json:"day_of_week,omitempty"`
	TriggerOnDrift       bool                           `json:"trigger_on_drift"`
	TriggerOnSchedule    bool                           `json:"trigger_on_schedule"`
	ExecuteAutomatically bool                           `json:"execute_automatically"`
	RequireConfirmation  bool                           `json:"require_confirmation"`
	NextRebalancingDate  *time.Time                     `gorm:"index" json:"next_rebalancing_date,omitempty"`
	Status               Status                         `gorm:"index" json:"status"`
	IsEnabled            bool                           `json:"is_enabled"`
	ExecutionState
	Lease
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RebalancingAction is one leg of a rebalancing execution. Sells are
// ordered before buys.
type RebalancingAction struct {
	AssetClass     string          `json:"asset_class"`
	OrderType      types.OrderType `json:"order_type"`
	Amount         decimal.Decimal `json:"amount"`
	CurrentPercent float64         `json:"current_percent"`
	TargetPercent  float64         `json:"target_percent"`
}

type RebalancingExecution struct {
	gorm.Model        `json:"-"`
	ExecutionID       string                                 `gorm:"uniqueIndex" json:"execution_id"`
	RuleID            string                                 `gorm:"index" json:"rule_id"`
	ClientID          string                                 `json:"client_id"`
	ExecutionDate     time.Time                              `json:"execution_date"`
	Status            RebalancingExecutionStatus             `gorm:"index" json:"status"`
	CurrentAllocation datatypes.JSONType[Allocation]         `json:"current_allocation"`
	TargetAllocation  datatypes.JSONType[Allocation]         `json:"target_allocation"`
	DriftPercent      float64                                `json:"drift_percent"`
	PortfolioValue    decimal.Decimal                        `gorm:"type:decimal(20,4)" json:"portfolio_value"`
	Actions           datatypes.JSONSlice[RebalancingAction] `json:"actions"`
	OrderIDs          datatypes.JSONSlice[string]            `json:"order_ids"`
	Error             string                                 `json:"error,omitempty"`
	CreatedAt         time.Time                              `json:"created_at"`
	UpdatedAt         time.Time                              `json:"updated_at"`
}

type TriggerOrder struct {
	gorm.Model       `json:"-"`
	TriggerOrderID   string              `gorm:"uniqueIndex" json:"trigger_order_id"`
	ClientID         string              `gorm:"index" json:"client_id"`
	TriggerType      TriggerType         `json:"trigger_type"`
	TriggerCondition condition.Condition `json:"trigger_condition"`
	TriggerValue     float64             `json:"trigger_value"`
	OrderType        types.OrderType     `json:"order_type"`
	SchemeID         string              `json:"scheme_id"`
	TargetSchemeID   string              `json:"target_scheme_id,omitempty"`
	GoalID           string              `json:"goal_id,omitempty"`
	Amount           decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"amount"`
	Units            decimal.NullDecimal `gorm:"type:decimal(20,6)" json:"units"`
	ValidFrom        time.Time           `json:"valid_from"`
	ValidUntil       *time.Time          `json:"valid_until,omitempty"`
	Status           TriggerOrderStatus  `gorm:"index" json:"status"`
	TriggeredAt      *time.Time          `json:"triggered_at,omitempty"`
	ExecutedAt       *time.Time          `json:"executed_at,omitempty"`
	OrderID          string              `json:"order_id,omitempty"`
	ExecutionState
	Lease
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Rule is implemented by exactly the three rule families
type Rule interface {
	Kind() types.AutomationType
	AutomationID() string
	Owner() string
	sealed()
}

func (r *AutoInvestRule) Kind() types.AutomationType { return types.AutomationAutoInvest }
func (r *AutoInvestRule) AutomationID() string        { return r.RuleID }
func (r *AutoInvestRule) Owner() string               { return r.ClientID }
func (r *AutoInvestRule) sealed()                     {}

func (r *RebalancingRule) Kind() types.AutomationType { return types.AutomationRebalancing }
func (r *RebalancingRule) AutomationID() string        { return r.RuleID }
func (r *RebalancingRule) Owner() string               { return r.ClientID }
func (r *RebalancingRule) sealed()                     {}

func (o *TriggerOrder) Kind() types.AutomationType { return types.AutomationTriggerOrder }
func (o *TriggerOrder) AutomationID() string        { return o.TriggerOrderID }
func (o *TriggerOrder) Owner() string               { return o.ClientID }
func (o *TriggerOrder) sealed()                     {}

// Target returns the rule's target allocation
func (r *RebalancingRule) Target() Allocation {
	return r.TargetAllocation.Data()
}

// ID prefixes per family
const (
	autoInvestPrefix  = "AIR_"
	rebalancingPrefix = "RBR_"
	triggerPrefix     = "TRO_"
	executionPrefix   = "RBX_"
)

// KindOf derives the rule family from an automation id
func KindOf(automationID string) (types.AutomationType, bool) {
	if len(automationID) < 4 {
		return "", false
	}
	switch automationID[:4] {
	case autoInvestPrefix:
		return types.AutomationAutoInvest, true
	case rebalancingPrefix:
		return types.AutomationRebalancing, true
	case triggerPrefix:
		return types.AutomationTriggerOrder, true
	}
	return "", false
}
