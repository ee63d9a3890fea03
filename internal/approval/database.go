package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateApproval(ctx context.Context, a *Approval) error {
	return d.db.WithContext(ctx).Create(a).Error
}

func (d *Database) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	var a Approval
	if err := d.db.WithContext(ctx).Where("approval_id = ?", approvalID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval %s: %w", approvalID, types.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// ListApprovals returns approvals oldest first, optionally filtered by status
func (d *Database) ListApprovals(ctx context.Context, status Status, limit int) ([]Approval, error) {
	q := d.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var approvals []Approval
	if err := q.Find(&approvals).Error; err != nil {
		return nil, err
	}
	return approvals, nil
}

func (d *Database) ListClientApprovals(ctx context.Context, clientID string) ([]Approval, error) {
	var approvals []Approval
	if err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC").Find(&approvals).Error; err != nil {
		return nil, err
	}
	return approvals, nil
}

// Claim takes a pending approval, or one whose claim has lapsed, for operator
func (d *Database) Claim(ctx context.Context, approvalID, operator string, now, expiresAt time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Approval{}).
		Where("approval_id = ?", approvalID).
		Where("(status = ? OR (status IN ? AND claim_expires_at < ?))", StatusPendingApproval, held, now).
		Updates(map[string]interface{}{
			"status":           StatusClaimed,
			"claimed_by":       operator,
			"claimed_at":       now,
			"claim_expires_at": expiresAt,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim %s: %w", approvalID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Transition moves an approval held by operator out of one of the from
// statuses. It reports false when the row was not in that state.
func (d *Database) Transition(ctx context.Context, approvalID, operator string, from []Status, fields map[string]interface{}) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Approval{}).
		Where("approval_id = ?", approvalID).
		Where("status IN ?", from).
		Where("claimed_by = ?", operator).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update %s: %w", approvalID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseExpired returns every lapsed claim to the pending queue
func (d *Database) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&Approval{}).
		Where("status IN ?", held).
		Where("claim_expires_at < ?", now).
		Updates(releaseFields(now))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release expired claims: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func releaseFields(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":           StatusPendingApproval,
		"claimed_by":       "",
		"claimed_at":       nil,
		"claim_expires_at": nil,
		"updated_at":       now,
	}
}
