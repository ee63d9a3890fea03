package migrations

import (
	"github.com/ksred/klear-automation/internal/auditlog"
	"github.com/ksred/klear-automation/internal/rules"
	"gorm.io/gorm"
)

// AddAutomationRules creates the rule tables, the execution audit log and
// the indexes the scheduler's due-rule query relies on
func AddAutomationRules(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&rules.AutoInvestRule{},
		&rules.RebalancingRule{},
		&rules.RebalancingExecution{},
		&rules.TriggerOrder{},
		&auditlog.AutomationExecutionLog{},
	); err != nil {
		return err
	}

	indexes := []string{
		// Due auto-invest rules
		`CREATE INDEX IF NOT EXISTS idx_auto_invest_rules_due
		 ON auto_invest_rules(status, next_execution_date)`,

		// Live trigger orders inside their validity window
		`CREATE INDEX IF NOT EXISTS idx_trigger_orders_window
		 ON trigger_orders(status, valid_from, valid_until)`,

		// At most one open confirmation per rebalancing rule
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_rebalancing_executions_pending
		 ON rebalancing_executions(rule_id) WHERE status = 'PENDING' AND deleted_at IS NULL`,

		// History and consecutive failure lookups
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_history
		 ON automation_execution_logs(automation_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
