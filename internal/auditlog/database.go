package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Record appends one row for an attempt. The attempt number is the
// count of earlier rows for the same automation and execution date plus one.
func (d *Database) Record(ctx context.Context, e Entry) (*AutomationExecutionLog, error) {
	executionDate := e.ExecutionDate.UTC()
	entry := &AutomationExecutionLog{
		LogID:          "AEL_" + uuid.New().String(),
		AutomationType: e.AutomationType,
		AutomationID:   e.AutomationID,
		ClientID:       e.ClientID,
		ExecutionDate:  executionDate,
		Status:         e.Status,
		OrderID:        e.OrderID,
		ErrorKind:      e.ErrorKind,
		Error:          e.Error,
		Details:        e.Details,
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior int64
		if err := tx.Model(&AutomationExecutionLog{}).
			Where("automation_type = ? AND automation_id = ? AND execution_date = ?", e.AutomationType, e.AutomationID, executionDate).
			Count(&prior).Error; err != nil {
			return err
		}
		entry.Attempt = int(prior) + 1
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record execution of %s: %w", e.AutomationID, err)
	}
	return entry, nil
}

func (d *Database) ListByAutomation(ctx context.Context, clientID, automationID string, limit int) ([]AutomationExecutionLog, error) {
	var logs []AutomationExecutionLog
	query := d.db.WithContext(ctx).Where("client_id = ? AND automation_id = ?", clientID, automationID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// CountOutcomes tallies every row recorded for an automation
func (d *Database) CountOutcomes(ctx context.Context, automationID string) (Outcomes, error) {
	var rows []struct {
		Status types.ExecutionStatus
		Count  int64
	}
	if err := d.db.WithContext(ctx).Model(&AutomationExecutionLog{}).
		Select("status, COUNT(*) AS count").
		Where("automation_id = ?", automationID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return Outcomes{}, err
	}

	var out Outcomes
	for _, r := range rows {
		switch r.Status {
		case types.ExecutionSuccess:
			out.Success = r.Count
		case types.ExecutionFailed:
			out.Failed = r.Count
		case types.ExecutionSkipped:
			out.Skipped = r.Count
		}
	}
	return out, nil
}

// ConsecutiveFailures counts the occurrences that have failed since the
// most recent Success. Repeated attempts at one occurrence count once and
// Skipped rows neither break nor extend the streak.
func (d *Database) ConsecutiveFailures(ctx context.Context, automationID string) (int, error) {
	var rows []struct {
		Status        types.ExecutionStatus
		ExecutionDate time.Time
	}
	if err := d.db.WithContext(ctx).Model(&AutomationExecutionLog{}).
		Select("status", "execution_date").
		Where("automation_id = ? AND status IN ?", automationID, []types.ExecutionStatus{types.ExecutionSuccess, types.ExecutionFailed}).
		Order("id DESC").
		Limit(1000).
		Scan(&rows).Error; err != nil {
		return 0, err
	}

	failed := make(map[string]bool)
	for _, row := range rows {
		if row.Status == types.ExecutionSuccess {
			break
		}
		failed[row.ExecutionDate.UTC().Format("2006-01-02")] = true
	}
	return len(failed), nil
}

// HasSuccess reports whether the occurrence on date already succeeded
func (d *Database) HasSuccess(ctx context.Context, automationType types.AutomationType, automationID string, date time.Time) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&AutomationExecutionLog{}).
		Where("automation_type = ? AND automation_id = ? AND execution_date = ? AND status = ?",
			automationType, automationID, date.UTC(), types.ExecutionSuccess).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByClient returns a client's execution history, newest first
func (d *Database) ListByClient(ctx context.Context, clientID string, since time.Time) ([]AutomationExecutionLog, error) {
	var logs []AutomationExecutionLog
	if err := d.db.WithContext(ctx).
		Where("client_id = ? AND execution_date >= ?", clientID, since.UTC()).
		Order("id DESC").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
