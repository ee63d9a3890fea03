package orders

import (
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusFilled  Status = "FILLED"
	StatusFailed  Status = "FAILED"
)

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string               `gorm:"uniqueIndex" json:"order_id"`
	IdempotencyKey string               `gorm:"index" json:"idempotency_key"`
	AutomationType types.AutomationType `json:"automation_type"`
	AutomationID   string               `gorm:"index" json:"automation_id"`
	ClientID       string               `gorm:"index" json:"client_id"`
	OrderType      types.OrderType      `json:"order_type"`
	SchemeID       string               `json:"scheme_id"`
	TargetSchemeID string               `json:"target_scheme_id,omitempty"`
	AssetClass     string               `json:"asset_class,omitempty"`
	Amount         decimal.Decimal      `gorm:"type:decimal(20,4)" json:"amount"`
	Units          decimal.Decimal      `gorm:"type:decimal(20,6)" json:"units"`
	Status         Status               `json:"status"`
	VenueID        string               `json:"venue_id,omitempty"`
	FeeAmount      decimal.Decimal      `gorm:"type:decimal(20,4)" json:"fee_amount"`
	Error          string               `json:"error,omitempty"`
	ExecutedAt     *time.Time           `json:"executed_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Fill is a venue's confirmation of an order
type Fill struct {
	FillID    string          `json:"fill_id"`
	VenueID   string          `json:"venue_id"`
	VenueName string          `json:"venue_name"`
	FeeRate   decimal.Decimal `json:"fee_rate"`
	FeeAmount decimal.Decimal `json:"fee_amount"`
	FilledAt  time.Time       `json:"filled_at"`
}
