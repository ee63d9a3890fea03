package migrations

import (
	"github.com/ksred/klear-automation/internal/approval"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/orders"
	"gorm.io/gorm"
)

// AddNotificationsAndApprovals creates the notification, order and
// approval tables
func AddNotificationsAndApprovals(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&notification.NotificationPreference{},
		&notification.NotificationLog{},
		&orders.Order{},
		&orders.IdempotencyRecord{},
		&approval.Approval{},
	); err != nil {
		return err
	}

	indexes := []string{
		// Redelivery scans pending rows by due time
		`CREATE INDEX IF NOT EXISTS idx_notification_logs_pending
		 ON notification_logs(status, deliver_after)`,

		// Client inbox ordered by time
		`CREATE INDEX IF NOT EXISTS idx_notification_logs_client_created
		 ON notification_logs(client_id, created_at)`,

		// Operator queue and the expired claim sweep
		`CREATE INDEX IF NOT EXISTS idx_approvals_status_expiry
		 ON approvals(status, claim_expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
