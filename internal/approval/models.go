package approval

import (
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusClaimed         Status = "CLAIMED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusAuthorized      Status = "AUTHORIZED"
	StatusRejected        Status = "REJECTED"
)

// Terminal statuses never reopen
func (s Status) Terminal() bool {
	return s == StatusAuthorized || s == StatusRejected
}

// held statuses carry a claimant
var held = []Status{StatusClaimed, StatusInProgress}

// Approval is an order waiting for an operator's manual authorization
type Approval struct {
	gorm.Model      `json:"-"`
	ApprovalID      string              `gorm:"uniqueIndex" json:"approval_id"`
	ClientID        string              `gorm:"index" json:"client_id"`
	OrderType       types.OrderType     `json:"order_type"`
	SchemeID        string              `json:"scheme_id"`
	TargetSchemeID  string              `json:"target_scheme_id,omitempty"`
	Amount          decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"amount"`
	Units           decimal.NullDecimal `gorm:"type:decimal(20,6)" json:"units"`
	Reason          string              `json:"reason,omitempty"`
	Status          Status              `gorm:"index" json:"status"`
	ClaimedBy       string              `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time          `json:"claimed_at,omitempty"`
	ClaimExpiresAt  *time.Time          `gorm:"index" json:"claim_expires_at,omitempty"`
	DecidedBy       string              `json:"decided_by,omitempty"`
	DecidedAt       *time.Time          `json:"decided_at,omitempty"`
	RejectionReason string              `json:"rejection_reason,omitempty"`
	OrderID         string              `json:"order_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// SubmitRequest is a client's order that needs an operator's sign-off
type SubmitRequest struct {
	OrderType      types.OrderType     `json:"order_type" binding:"required"`
	SchemeID       string              `json:"scheme_id" binding:"required"`
	TargetSchemeID string              `json:"target_scheme_id"`
	Amount         decimal.NullDecimal `json:"amount"`
	Units          decimal.NullDecimal `json:"units"`
	Reason         string              `json:"reason"`
}

type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}
