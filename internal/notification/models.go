package notification

import (
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event is a notification type from the fixed catalogue
type Event string

const (
	EventOrderExecuted         Event = "ORDER_EXECUTED"
	EventOrderFailed           Event = "ORDER_FAILED"
	EventAutoInvestExecuted    Event = "AUTO_INVEST_EXECUTED"
	EventAutoInvestFailed      Event = "AUTO_INVEST_FAILED"
	EventRebalancingExecuted   Event = "REBALANCING_EXECUTED"
	EventRebalancingRequired   Event = "REBALANCING_REQUIRED"
	EventTriggerOrderTriggered Event = "TRIGGER_ORDER_TRIGGERED"
	EventTriggerOrderExpired   Event = "TRIGGER_ORDER_EXPIRED"
	EventGoalMilestoneReached  Event = "GOAL_MILESTONE_REACHED"
	EventAutomationPaused      Event = "AUTOMATION_PAUSED"
)

var catalogue = map[Event]string{
	EventOrderExecuted:         "Order Executed",
	EventOrderFailed:           "Order Failed",
	EventAutoInvestExecuted:    "Auto-Invest Executed",
	EventAutoInvestFailed:      "Auto-Invest Failed",
	EventRebalancingExecuted:   "Rebalancing Executed",
	EventRebalancingRequired:   "Rebalancing Required",
	EventTriggerOrderTriggered: "Trigger Order Triggered",
	EventTriggerOrderExpired:   "Trigger Order Expired",
	EventGoalMilestoneReached:  "Goal Milestone Reached",
	EventAutomationPaused:      "Automation Paused",
}

func (e Event) Valid() bool {
	_, ok := catalogue[e]
	return ok
}

// Title is the human readable name of the event
func (e Event) Title() string {
	return catalogue[e]
}

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "PENDING"
	StatusSent    DeliveryStatus = "SENT"
	StatusFailed  DeliveryStatus = "FAILED"
)

// NotificationPreference is a client's subscription to one event
type NotificationPreference struct {
	gorm.Model      `json:"-"`
	PreferenceID    string                       `gorm:"uniqueIndex" json:"preference_id"`
	ClientID        string                       `gorm:"uniqueIndex:idx_client_event" json:"client_id"`
	Event           Event                        `gorm:"uniqueIndex:idx_client_event" json:"event"`
	Channels        datatypes.JSONSlice[Channel] `json:"channels"`
	Enabled         bool                         `json:"enabled"`
	QuietHoursStart string                       `json:"quiet_hours_start,omitempty"` // HH:MM, UTC
	QuietHoursEnd   string                       `json:"quiet_hours_end,omitempty"`
	MinAmount       decimal.NullDecimal          `gorm:"type:decimal(20,4)" json:"min_amount"`
	SchemeIDs       datatypes.JSONSlice[string]  `json:"scheme_ids,omitempty"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// NotificationLog is one delivery attempt of one event on one channel
type NotificationLog struct {
	gorm.Model     `json:"-"`
	LogID          string               `gorm:"uniqueIndex" json:"log_id"`
	DedupeKey      string               `gorm:"uniqueIndex" json:"-"`
	ClientID       string               `gorm:"index" json:"client_id"`
	Event          Event                `json:"event"`
	Channel        Channel              `json:"channel"`
	AutomationType types.AutomationType `json:"automation_type,omitempty"`
	AutomationID   string               `gorm:"index" json:"automation_id,omitempty"`
	Title          string               `json:"title"`
	Message        string               `json:"message"`
	Status         DeliveryStatus       `gorm:"index" json:"status"`
	DeliverAfter   *time.Time           `gorm:"index" json:"deliver_after,omitempty"`
	SentAt         *time.Time           `json:"sent_at,omitempty"`
	Attempts       int                  `json:"attempts"`
	Error          string               `json:"error,omitempty"`
	Metadata       datatypes.JSONMap    `json:"metadata,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Notice is an event raised by the rule engine
type Notice struct {
	Event          Event
	ClientID       string
	AutomationType types.AutomationType
	AutomationID   string
	SchemeID       string
	// Amount is unset for events that carry no amount
	Amount     decimal.NullDecimal
	OccurredAt time.Time
	Message    string
	Metadata   map[string]interface{}
}

// Payload is what a transport delivers
type Payload struct {
	LogID        string                 `json:"log_id"`
	Event        Event                  `json:"event"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	AutomationID string                 `json:"automation_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
