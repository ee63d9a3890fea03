package auditlog

import (
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrorKind distinguishes executor failures from timeouts
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindExecutorFailure ErrorKind = "EXECUTOR_FAILURE"
	ErrorKindTimeout         ErrorKind = "TIMEOUT"
)

// AutomationExecutionLog is one row per scheduler attempt on a rule
type AutomationExecutionLog struct {
	gorm.Model     `json:"-"`
	LogID          string                `gorm:"uniqueIndex" json:"log_id"`
	AutomationType types.AutomationType  `gorm:"uniqueIndex:idx_execution_attempt" json:"automation_type"`
	AutomationID   string                `gorm:"uniqueIndex:idx_execution_attempt;index" json:"automation_id"`
	ClientID       string                `gorm:"index" json:"client_id"`
	ExecutionDate  time.Time             `gorm:"uniqueIndex:idx_execution_attempt" json:"execution_date"`
	Attempt        int                   `gorm:"uniqueIndex:idx_execution_attempt" json:"attempt"`
	Status         types.ExecutionStatus `json:"status"`
	OrderID        string                `json:"order_id,omitempty"`
	ErrorKind      ErrorKind             `json:"error_kind,omitempty"`
	Error          string                `json:"error,omitempty"`
	Details        datatypes.JSONMap     `json:"details,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Entry is what the scheduler reports for one attempt
type Entry struct {
	AutomationType types.AutomationType
	AutomationID   string
	ClientID       string
	ExecutionDate  time.Time
	Status         types.ExecutionStatus
	OrderID        string
	ErrorKind      ErrorKind
	Error          string
	Details        map[string]interface{}
}

// Outcomes counts log rows by status
type Outcomes struct {
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// Counted is the number of rows that contribute to a rule's execution count
func (o Outcomes) Counted() int64 {
	return o.Success + o.Failed
}
