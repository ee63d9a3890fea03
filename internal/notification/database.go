package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// EnabledPreferences returns the client's enabled subscriptions to an event
func (d *Database) EnabledPreferences(ctx context.Context, clientID string, event Event) ([]NotificationPreference, error) {
	var prefs []NotificationPreference
	if err := d.db.WithContext(ctx).
		Where("client_id = ? AND event = ? AND enabled = ?", clientID, event, true).
		Order("id").
		Find(&prefs).Error; err != nil {
		return nil, err
	}
	return prefs, nil
}

func (d *Database) ListPreferences(ctx context.Context, clientID string) ([]NotificationPreference, error) {
	var prefs []NotificationPreference
	if err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Order("event").Find(&prefs).Error; err != nil {
		return nil, err
	}
	return prefs, nil
}

func (d *Database) GetPreference(ctx context.Context, clientID string, event Event) (*NotificationPreference, error) {
	var pref NotificationPreference
	if err := d.db.WithContext(ctx).Where("client_id = ? AND event = ?", clientID, event).First(&pref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("preference for %s: %w", event, types.ErrNotFound)
		}
		return nil, err
	}
	return &pref, nil
}

// SavePreference inserts or replaces the preference for (client, event)
func (d *Database) SavePreference(ctx context.Context, pref *NotificationPreference) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_id"}, {Name: "event"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"channels", "enabled", "quiet_hours_start", "quiet_hours_end", "min_amount", "scheme_ids", "updated_at",
		}),
	}).Create(pref).Error
}

// Disable turns a preference off without removing it
func (d *Database) Disable(ctx context.Context, clientID string, event Event) error {
	result := d.db.WithContext(ctx).Model(&NotificationPreference{}).
		Where("client_id = ? AND event = ?", clientID, event).
		Updates(map[string]interface{}{"enabled": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("preference for %s: %w", event, types.ErrNotFound)
	}
	return nil
}

// InsertPending stores a Pending row. It reports false when a row with the
// same dedupe key already exists.
func (d *Database) InsertPending(ctx context.Context, entry *NotificationLog) (bool, error) {
	entry.Status = StatusPending
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(entry)
	if result.Error != nil {
		return false, fmt.Errorf("failed to record notification: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Claim bumps the attempt counter of a Pending row. Only the caller that
// observed the current attempt count wins.
func (d *Database) Claim(ctx context.Context, logID string, attempts int) (bool, error) {
	result := d.db.WithContext(ctx).Model(&NotificationLog{}).
		Where("log_id = ? AND status = ? AND attempts = ?", logID, StatusPending, attempts).
		Updates(map[string]interface{}{"attempts": attempts + 1, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Finish moves a Pending row to Sent or Failed
func (d *Database) Finish(ctx context.Context, logID string, status DeliveryStatus, sentAt *time.Time, sendErr string) error {
	return d.db.WithContext(ctx).Model(&NotificationLog{}).
		Where("log_id = ? AND status = ?", logID, StatusPending).
		Updates(map[string]interface{}{
			"status":     status,
			"sent_at":    sentAt,
			"error":      sendErr,
			"updated_at": time.Now().UTC(),
		}).Error
}

// DueForRedelivery returns deferred rows whose quiet hours have ended, and
// undeferred rows left Pending since before staleBefore
func (d *Database) DueForRedelivery(ctx context.Context, now, staleBefore time.Time, limit int) ([]NotificationLog, error) {
	var logs []NotificationLog
	if err := d.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where("((deliver_after IS NOT NULL AND deliver_after <= ?) OR (deliver_after IS NULL AND created_at < ?))", now.UTC(), staleBefore.UTC()).
		Order("id").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (d *Database) ListLogs(ctx context.Context, clientID string, limit int) ([]NotificationLog, error) {
	var logs []NotificationLog
	query := d.db.WithContext(ctx).Where("client_id = ?", clientID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
