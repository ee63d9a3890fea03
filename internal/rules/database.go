package rules

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

// table describes where a rule family lives
type table struct {
	model    interface{}
	idColumn string
}

func tableFor(kind types.AutomationType) (table, error) {
	switch kind {
	case types.AutomationAutoInvest:
		return table{model: &AutoInvestRule{}, idColumn: "rule_id"}, nil
	case types.AutomationRebalancing:
		return table{model: &RebalancingRule{}, idColumn: "rule_id"}, nil
	case types.AutomationTriggerOrder:
		return table{model: &TriggerOrder{}, idColumn: "trigger_order_id"}, nil
	}
	return table{}, fmt.Errorf("unknown automation type %q", kind)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, types.ErrNotFound)
	}
	return fmt.Errorf("failed to fetch %s %s: %w", what, id, err)
}

func (d *Database) CreateAutoInvestRule(ctx context.Context, r *AutoInvestRule) error {
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Database) GetAutoInvestRule(ctx context.Context, ruleID string) (*AutoInvestRule, error) {
	var r AutoInvestRule
	if err := d.db.WithContext(ctx).Where("rule_id = ?", ruleID).First(&r).Error; err != nil {
		return nil, notFound(err, "auto-invest rule", ruleID)
	}
	return &r, nil
}

func (d *Database) CreateRebalancingRule(ctx context.Context, r *RebalancingRule) error {
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Database) GetRebalancingRule(ctx context.Context, ruleID string) (*RebalancingRule, error) {
	var r RebalancingRule
	if err := d.db.WithContext(ctx).Where("rule_id = ?", ruleID).First(&r).Error; err != nil {
		return nil, notFound(err, "rebalancing rule", ruleID)
	}
	return &r, nil
}

func (d *Database) CreateTriggerOrder(ctx context.Context, o *TriggerOrder) error {
	return d.db.WithContext(ctx).Create(o).Error
}

func (d *Database) GetTriggerOrder(ctx context.Context, id string) (*TriggerOrder, error) {
	var o TriggerOrder
	if err := d.db.WithContext(ctx).Where("trigger_order_id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err, "trigger order", id)
	}
	return &o, nil
}

// FindRule loads any rule family by automation id
func (d *Database) FindRule(ctx context.Context, automationID string) (Rule, error) {
	kind, ok := KindOf(automationID)
	if !ok {
		return nil, fmt.Errorf("automation %s: %w", automationID, types.ErrNotFound)
	}
	switch kind {
	case types.AutomationAutoInvest:
		return d.GetAutoInvestRule(ctx, automationID)
	case types.AutomationRebalancing:
		return d.GetRebalancingRule(ctx, automationID)
	default:
		return d.GetTriggerOrder(ctx, automationID)
	}
}

func (d *Database) ListClientAutoInvestRules(ctx context.Context, clientID string) ([]AutoInvestRule, error) {
	var rules []AutoInvestRule
	if err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (d *Database) ListClientRebalancingRules(ctx context.Context, clientID string) ([]RebalancingRule, error) {
	var rules []RebalancingRule
	if err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (d *Database) ListClientTriggerOrders(ctx context.Context, clientID string) ([]TriggerOrder, error) {
	var orders []TriggerOrder
	if err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ListDueRules returns the candidates for one scheduler cycle. Drift
// triggered rebalancing rules are always candidates; the scheduler
// decides whether their drift crosses the threshold.
func (d *Database) ListDueRules(ctx context.Context, now time.Time) ([]Rule, error) {
	now = now.UTC()
	tomorrow := DayOf(now).AddDate(0, 0, 1)
	db := d.db.WithContext(ctx)

	var autoInvest []AutoInvestRule
	if err := db.Where("is_enabled = ? AND status = ?", true, StatusActive).
		Where("next_execution_date < ? AND start_date < ?", tomorrow, tomorrow).
		Order("id").
		Find(&autoInvest).Error; err != nil {
		return nil, fmt.Errorf("failed to list due auto-invest rules: %w", err)
	}

	var rebalancing []RebalancingRule
	if err := db.Where("is_enabled = ? AND status = ?", true, StatusActive).
		Where("(trigger_on_drift = ? OR (trigger_on_schedule = ? AND next_rebalancing_date < ?))", true, true, tomorrow).
		Order("id").
		Find(&rebalancing).Error; err != nil {
		return nil, fmt.Errorf("failed to list due rebalancing rules: %w", err)
	}

	var triggers []TriggerOrder
	if err := db.Where("status IN ?", []TriggerOrderStatus{TriggerOrderActive, TriggerOrderTriggered}).
		Where("valid_from <= ?", now).
		Where("(valid_until IS NULL OR valid_until >= ?)", now).
		Order("id").
		Find(&triggers).Error; err != nil {
		return nil, fmt.Errorf("failed to list live trigger orders: %w", err)
	}

	due := make([]Rule, 0, len(autoInvest)+len(rebalancing)+len(triggers))
	for i := range autoInvest {
		if Schedulable(&autoInvest[i], now) {
			due = append(due, &autoInvest[i])
		}
	}
	for i := range rebalancing {
		if Schedulable(&rebalancing[i], now) {
			due = append(due, &rebalancing[i])
		}
	}
	for i := range triggers {
		if Schedulable(&triggers[i], now) {
			due = append(due, &triggers[i])
		}
	}
	return due, nil
}

// TryLock takes the rule's execution lease when it is free or expired
func (d *Database) TryLock(ctx context.Context, kind types.AutomationType, automationID, owner string, now, until time.Time) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	result := d.db.WithContext(ctx).Model(t.model).
		Where(t.idColumn+" = ?", automationID).
		Where("(locked_until IS NULL OR locked_until < ?)", now.UTC()).
		Updates(map[string]interface{}{
			"locked_until": until.UTC(),
			"lock_owner":   owner,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to lock %s: %w", automationID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Unlock releases the lease if owner still holds it
func (d *Database) Unlock(ctx context.Context, kind types.AutomationType, automationID, owner string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	return d.db.WithContext(ctx).Model(t.model).
		Where(t.idColumn+" = ? AND lock_owner = ?", automationID, owner).
		Updates(map[string]interface{}{
			"locked_until": nil,
			"lock_owner":   "",
		}).Error
}

// ExecutionUpdate is written back to a rule after one attempt
type ExecutionUpdate struct {
	Status     types.ExecutionStatus
	Error      string
	ExecutedAt time.Time
	// Fields holds family specific columns such as next_execution_date or status
	Fields map[string]interface{}
}

// UpdateRuleAfterExecution records an attempt on the rule row. The write
// only lands while owner holds the lease; otherwise ErrLeaseLost.
func (d *Database) UpdateRuleAfterExecution(ctx context.Context, kind types.AutomationType, automationID, owner string, upd ExecutionUpdate) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"last_execution_date":   upd.ExecutedAt,
		"last_execution_status": upd.Status,
		"last_execution_error":  upd.Error,
	}
	if upd.Status.Counts() {
		fields["execution_count"] = gorm.Expr("execution_count + ?", 1)
	}
	for k, v := range upd.Fields {
		fields[k] = v
	}

	query := d.db.WithContext(ctx).Model(t.model).
		Where(t.idColumn+" = ? AND lock_owner = ?", automationID, owner)
	if kind == types.AutomationTriggerOrder {
		query = query.Where("status <> ?", TriggerOrderExecuted)
	}
	result := query.Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s after execution: %w", automationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", automationID, types.ErrLeaseLost)
	}
	return nil
}

// MarkTriggered persists Active -> Triggered before the order is placed
func (d *Database) MarkTriggered(ctx context.Context, id, owner string, at time.Time) error {
	result := d.db.WithContext(ctx).Model(&TriggerOrder{}).
		Where("trigger_order_id = ? AND lock_owner = ? AND status = ?", id, owner, TriggerOrderActive).
		Updates(map[string]interface{}{
			"status":       TriggerOrderTriggered,
			"triggered_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark %s triggered: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", id, types.ErrLeaseLost)
	}
	return nil
}

// transition moves a rule between statuses while no execution holds its lease
func (d *Database) transition(ctx context.Context, kind types.AutomationType, automationID string, from []string, now time.Time, fields map[string]interface{}) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	result := d.db.WithContext(ctx).Model(t.model).
		Where(t.idColumn+" = ?", automationID).
		Where("status IN ?", from).
		Where("(locked_until IS NULL OR locked_until < ?)", now.UTC()).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s: %w", automationID, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	return d.classifyMiss(ctx, automationID, from, now)
}

// classifyMiss explains why a conditional update touched no row
func (d *Database) classifyMiss(ctx context.Context, automationID string, from []string, now time.Time) error {
	rule, err := d.FindRule(ctx, automationID)
	if err != nil {
		return err
	}
	status, lease := statusAndLease(rule)
	allowed := false
	for _, s := range from {
		if s == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%s is %s: %w", automationID, status, types.ErrInvalidTransition)
	}
	if lease.LockedUntil != nil && !lease.LockedUntil.Before(now) {
		return fmt.Errorf("%s: %w", automationID, types.ErrLockContention)
	}
	return fmt.Errorf("%s changed concurrently: %w", automationID, types.ErrLockContention)
}

func statusAndLease(rule Rule) (string, Lease) {
	switch r := rule.(type) {
	case *AutoInvestRule:
		return string(r.Status), r.Lease
	case *RebalancingRule:
		return string(r.Status), r.Lease
	case *TriggerOrder:
		return string(r.Status), r.Lease
	}
	return "", Lease{}
}

// ExpireTriggerOrders moves live orders past validUntil to Expired and
// returns the orders that were expired by this call
func (d *Database) ExpireTriggerOrders(ctx context.Context, now time.Time) ([]TriggerOrder, error) {
	var candidates []TriggerOrder
	if err := d.db.WithContext(ctx).
		Where("status IN ?", []TriggerOrderStatus{TriggerOrderActive, TriggerOrderTriggered}).
		Where("valid_until IS NOT NULL AND valid_until < ?", now.UTC()).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to list expiring trigger orders: %w", err)
	}

	expired := make([]TriggerOrder, 0, len(candidates))
	for _, o := range candidates {
		err := d.transition(ctx, types.AutomationTriggerOrder, o.TriggerOrderID,
			[]string{string(TriggerOrderActive), string(TriggerOrderTriggered)}, now,
			map[string]interface{}{"status": TriggerOrderExpired})
		if errors.Is(err, types.ErrLockContention) || errors.Is(err, types.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		o.Status = TriggerOrderExpired
		expired = append(expired, o)
	}
	return expired, nil
}

// CompleteEndedAutoInvest completes auto-invest rules whose end date has passed
func (d *Database) CompleteEndedAutoInvest(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&AutoInvestRule{}).
		Where("status IN ?", []Status{StatusActive, StatusPaused}).
		Where("end_date IS NOT NULL AND end_date < ?", DayOf(now)).
		Where("(locked_until IS NULL OR locked_until < ?)", now.UTC()).
		Updates(map[string]interface{}{"status": StatusCompleted})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to complete ended auto-invest rules: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (d *Database) CreateRebalancingExecution(ctx context.Context, e *RebalancingExecution) error {
	return d.db.WithContext(ctx).Create(e).Error
}

func (d *Database) GetRebalancingExecution(ctx context.Context, executionID string) (*RebalancingExecution, error) {
	var e RebalancingExecution
	if err := d.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&e).Error; err != nil {
		return nil, notFound(err, "rebalancing execution", executionID)
	}
	return &e, nil
}

// PendingRebalancingExecution returns the rule's open confirmation request, or nil
func (d *Database) PendingRebalancingExecution(ctx context.Context, ruleID string) (*RebalancingExecution, error) {
	var e RebalancingExecution
	err := d.db.WithContext(ctx).
		Where("rule_id = ? AND status = ?", ruleID, RebalancingPending).
		Order("id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateRebalancingExecution applies fields only while the execution is still in from
func (d *Database) UpdateRebalancingExecution(ctx context.Context, executionID string, from RebalancingExecutionStatus, fields map[string]interface{}) error {
	result := d.db.WithContext(ctx).Model(&RebalancingExecution{}).
		Where("execution_id = ? AND status = ?", executionID, from).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update rebalancing execution %s: %w", executionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rebalancing execution %s is not %s: %w", executionID, from, types.ErrInvalidTransition)
	}
	return nil
}

func (d *Database) ListRebalancingExecutions(ctx context.Context, ruleID string) ([]RebalancingExecution, error) {
	var executions []RebalancingExecution
	if err := d.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("id DESC").Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}
