package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/condition"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service manages the lifecycle of automation rules
type Service struct {
	db     *Database
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a new rule service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		now:    time.Now,
		logger: log.With().Str("service", "rules").Logger(),
	}
}

// WithClock replaces the service clock, used by simulations and tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the Rule Store backing the service
func (s *Service) Store() *Database {
	return s.db
}

// CreateAutoInvestRule validates and persists a new auto-invest rule.
// The first execution is the first schedule occurrence on or after today.
func (s *Service) CreateAutoInvestRule(ctx context.Context, r *AutoInvestRule) error {
	now := s.now().UTC()
	if r.TriggerType == "" {
		r.TriggerType = AutoInvestTriggerDate
	}
	if r.StartDate.IsZero() {
		r.StartDate = now
	}
	r.StartDate = DayOf(r.StartDate)
	if r.EndDate != nil {
		end := DayOf(*r.EndDate)
		r.EndDate = &end
	}
	if err := validateAutoInvest(r); err != nil {
		return err
	}

	r.RuleID = autoInvestPrefix + uuid.New().String()
	r.Status = StatusActive
	r.IsEnabled = true
	r.TotalInvested = decimal.Zero
	r.ExecutionState = ExecutionState{}
	r.Lease = Lease{}
	r.NextExecutionDate = FirstOccurrenceFrom(r.StartDate, r.Frequency, now)
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.db.CreateAutoInvestRule(ctx, r); err != nil {
		return fmt.Errorf("failed to create auto-invest rule: %w", err)
	}
	s.logger.Info().Str("rule_id", r.RuleID).Str("client_id", r.ClientID).Msg("auto-invest rule created")
	return nil
}

// AutoInvestUpdate carries the mutable fields of an auto-invest rule
type AutoInvestUpdate struct {
	Amount             *decimal.Decimal     `json:"amount,omitempty"`
	Frequency          *Frequency           `json:"frequency,omitempty"`
	EndDate            *time.Time           `json:"end_date,omitempty"`
	TriggerConfig      *datatypes.JSON      `json:"trigger_config,omitempty"`
	MaxTotalAmount     *decimal.NullDecimal `json:"max_total_amount,omitempty"`
	MaxPerExecution    *decimal.NullDecimal `json:"max_per_execution,omitempty"`
	MinBalanceRequired *decimal.NullDecimal `json:"min_balance_required,omitempty"`
	IsEnabled          *bool                `json:"is_enabled,omitempty"`
}

func (s *Service) UpdateAutoInvestRule(ctx context.Context, clientID, ruleID string, upd AutoInvestUpdate) (*AutoInvestRule, error) {
	r, err := s.db.GetAutoInvestRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.ClientID != clientID {
		return nil, fmt.Errorf("auto-invest rule %s: %w", ruleID, types.ErrNotFound)
	}

	now := s.now().UTC()
	fields := map[string]interface{}{}
	if upd.Amount != nil {
		r.Amount = *upd.Amount
		fields["amount"] = r.Amount
	}
	if upd.Frequency != nil && *upd.Frequency != r.Frequency {
		r.Frequency = *upd.Frequency
		fields["frequency"] = r.Frequency
		if r.Frequency.Valid() {
			r.NextExecutionDate = FirstOccurrenceFrom(r.StartDate, r.Frequency, now)
			fields["next_execution_date"] = r.NextExecutionDate
		}
	}
	if upd.EndDate != nil {
		end := DayOf(*upd.EndDate)
		r.EndDate = &end
		fields["end_date"] = end
	}
	if upd.TriggerConfig != nil {
		r.TriggerConfig = *upd.TriggerConfig
		fields["trigger_config"] = r.TriggerConfig
	}
	if upd.MaxTotalAmount != nil {
		r.MaxTotalAmount = *upd.MaxTotalAmount
		fields["max_total_amount"] = r.MaxTotalAmount
	}
	if upd.MaxPerExecution != nil {
		r.MaxPerExecution = *upd.MaxPerExecution
		fields["max_per_execution"] = r.MaxPerExecution
	}
	if upd.MinBalanceRequired != nil {
		r.MinBalanceRequired = *upd.MinBalanceRequired
		fields["min_balance_required"] = r.MinBalanceRequired
	}
	if upd.IsEnabled != nil {
		r.IsEnabled = *upd.IsEnabled
		fields["is_enabled"] = r.IsEnabled
	}
	if err := validateAutoInvest(r); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return r, nil
	}

	err = s.db.transition(ctx, types.AutomationAutoInvest, ruleID,
		[]string{string(StatusActive), string(StatusPaused)}, now, fields)
	if err != nil {
		return nil, err
	}
	return s.db.GetAutoInvestRule(ctx, ruleID)
}

// CreateRebalancingRule validates and persists a new rebalancing rule
func (s *Service) CreateRebalancingRule(ctx context.Context, r *RebalancingRule) error {
	now := s.now().UTC()
	applyStrategyDefaults(r)
	if err := validateRebalancing(r); err != nil {
		return err
	}

	r.RuleID = rebalancingPrefix + uuid.New().String()
	r.Status = StatusActive
	r.IsEnabled = true
	r.ExecutionState = ExecutionState{}
	r.Lease = Lease{}
	r.NextRebalancingDate = NextRebalancingDate(r, now)
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.db.CreateRebalancingRule(ctx, r); err != nil {
		return fmt.Errorf("failed to create rebalancing rule: %w", err)
	}
	s.logger.Info().Str("rule_id", r.RuleID).Str("client_id", r.ClientID).Str("strategy", string(r.Strategy)).Msg("rebalancing rule created")
	return nil
}

// RebalancingUpdate carries the mutable fields of a rebalancing rule
type RebalancingUpdate struct {
	TargetAllocation     Allocation `json:"target_allocation,omitempty"`
	ThresholdPercent     *float64   `json:"threshold_percent,omitempty"`
	Frequency            *Frequency `json:"frequency,omitempty"`
	DayOfMonth           *int       `json:"day_of_month,omitempty"`
	DayOfWeek            *int       `json:"day_of_week,omitempty"`
	TriggerOnDrift       *bool      `json:"trigger_on_drift,omitempty"`
	TriggerOnSchedule    *bool      `json:"trigger_on_schedule,omitempty"`
	ExecuteAutomatically *bool      `json:"execute_automatically,omitempty"`
	RequireConfirmation  *bool      `json:"require_confirmation,omitempty"`
	IsEnabled            *bool      `json:"is_enabled,omitempty"`
}

func (s *Service) UpdateRebalancingRule(ctx context.Context, clientID, ruleID string, upd RebalancingUpdate) (*RebalancingRule, error) {
	r, err := s.db.GetRebalancingRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.ClientID != clientID {
		return nil, fmt.Errorf("rebalancing rule %s: %w", ruleID, types.ErrNotFound)
	}

	now := s.now().UTC()
	fields := map[string]interface{}{}
	reschedule := false
	if upd.TargetAllocation != nil {
		r.TargetAllocation = datatypes.NewJSONType(upd.TargetAllocation)
		fields["target_allocation"] = r.TargetAllocation
	}
	if upd.ThresholdPercent != nil {
		r.ThresholdPercent = *upd.ThresholdPercent
		fields["threshold_percent"] = r.ThresholdPercent
	}
	if upd.Frequency != nil {
		r.Frequency = *upd.Frequency
		fields["frequency"] = r.Frequency
		reschedule = true
	}
	if upd.DayOfMonth != nil {
		r.DayOfMonth = upd.DayOfMonth
		fields["day_of_month"] = *r.DayOfMonth
		reschedule = true
	}
	if upd.DayOfWeek != nil {
		r.DayOfWeek = upd.DayOfWeek
		fields["day_of_week"] = *r.DayOfWeek
		reschedule = true
	}
	if upd.TriggerOnDrift != nil {
		r.TriggerOnDrift = *upd.TriggerOnDrift
		fields["trigger_on_drift"] = r.TriggerOnDrift
	}
	if upd.TriggerOnSchedule != nil {
		r.TriggerOnSchedule = *upd.TriggerOnSchedule
		fields["trigger_on_schedule"] = r.TriggerOnSchedule
		reschedule = true
	}
	if upd.ExecuteAutomatically != nil {
		r.ExecuteAutomatically = *upd.ExecuteAutomatically
		fields["execute_automatically"] = r.ExecuteAutomatically
	}
	if upd.RequireConfirmation != nil {
		r.RequireConfirmation = *upd.RequireConfirmation
		fields["require_confirmation"] = r.RequireConfirmation
	}
	if upd.IsEnabled != nil {
		r.IsEnabled = *upd.IsEnabled
		fields["is_enabled"] = r.IsEnabled
	}
	if err := validateRebalancing(r); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return r, nil
	}
	if reschedule {
		r.NextRebalancingDate = NextRebalancingDate(r, now)
		fields["next_rebalancing_date"] = r.NextRebalancingDate
	}

	err = s.db.transition(ctx, types.AutomationRebalancing, ruleID,
		[]string{string(StatusActive), string(StatusPaused)}, now, fields)
	if err != nil {
		return nil, err
	}
	return s.db.GetRebalancingRule(ctx, ruleID)
}

// CreateTriggerOrder validates and persists a new trigger order
func (s *Service) CreateTriggerOrder(ctx context.Context, o *TriggerOrder) error {
	now := s.now().UTC()
	if o.ValidFrom.IsZero() {
		o.ValidFrom = now
	}
	o.ValidFrom = o.ValidFrom.UTC()
	if o.ValidUntil != nil {
		until := o.ValidUntil.UTC()
		o.ValidUntil = &until
	}
	if err := validateTriggerOrder(o); err != nil {
		return err
	}

	o.TriggerOrderID = triggerPrefix + uuid.New().String()
	o.Status = TriggerOrderActive
	o.TriggeredAt = nil
	o.ExecutedAt = nil
	o.OrderID = ""
	o.ExecutionState = ExecutionState{}
	o.Lease = Lease{}
	o.CreatedAt = now
	o.UpdatedAt = now

	if err := s.db.CreateTriggerOrder(ctx, o); err != nil {
		return fmt.Errorf("failed to create trigger order: %w", err)
	}
	s.logger.Info().
		Str("trigger_order_id", o.TriggerOrderID).
		Str("client_id", o.ClientID).
		Str("condition", string(o.TriggerCondition)).
		Float64("trigger_value", o.TriggerValue).
		Msg("trigger order created")
	return nil
}

// TriggerOrderUpdate carries the mutable fields of an Active trigger order
type TriggerOrderUpdate struct {
	TriggerCondition *condition.Condition `json:"trigger_condition,omitempty"`
	TriggerValue     *float64             `json:"trigger_value,omitempty"`
	Amount           *decimal.NullDecimal `json:"amount,omitempty"`
	Units            *decimal.NullDecimal `json:"units,omitempty"`
	ValidUntil       *time.Time           `json:"valid_until,omitempty"`
}

// UpdateTriggerOrder edits an order that has not fired yet
func (s *Service) UpdateTriggerOrder(ctx context.Context, clientID, id string, upd TriggerOrderUpdate) (*TriggerOrder, error) {
	o, err := s.db.GetTriggerOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.ClientID != clientID {
		return nil, fmt.Errorf("trigger order %s: %w", id, types.ErrNotFound)
	}

	fields := map[string]interface{}{}
	if upd.TriggerCondition != nil {
		o.TriggerCondition = *upd.TriggerCondition
		fields["trigger_condition"] = o.TriggerCondition
	}
	if upd.TriggerValue != nil {
		o.TriggerValue = *upd.TriggerValue
		fields["trigger_value"] = o.TriggerValue
	}
	if upd.Amount != nil {
		o.Amount = *upd.Amount
		fields["amount"] = o.Amount
	}
	if upd.Units != nil {
		o.Units = *upd.Units
		fields["units"] = o.Units
	}
	if upd.ValidUntil != nil {
		until := upd.ValidUntil.UTC()
		o.ValidUntil = &until
		fields["valid_until"] = until
	}
	if err := validateTriggerOrder(o); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return o, nil
	}

	err = s.db.transition(ctx, types.AutomationTriggerOrder, id,
		[]string{string(TriggerOrderActive)}, s.now().UTC(), fields)
	if err != nil {
		return nil, err
	}
	return s.db.GetTriggerOrder(ctx, id)
}

// owned loads a rule and hides rules that belong to another client
func (s *Service) owned(ctx context.Context, clientID, automationID string) (Rule, error) {
	rule, err := s.db.FindRule(ctx, automationID)
	if err != nil {
		return nil, err
	}
	if rule.Owner() != clientID {
		return nil, fmt.Errorf("automation %s: %w", automationID, types.ErrNotFound)
	}
	return rule, nil
}

// GetRule returns a rule of any family owned by the client
func (s *Service) GetRule(ctx context.Context, clientID, automationID string) (Rule, error) {
	return s.owned(ctx, clientID, automationID)
}

// CancelRule soft-retires a rule of any family. Cancelled rules are kept
// for their execution history and are never scheduled again.
func (s *Service) CancelRule(ctx context.Context, clientID, automationID string) error {
	rule, err := s.owned(ctx, clientID, automationID)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	var from []string
	var to string
	switch rule.(type) {
	case *AutoInvestRule, *RebalancingRule:
		from = []string{string(StatusActive), string(StatusPaused)}
		to = string(StatusCancelled)
	case *TriggerOrder:
		from = []string{string(TriggerOrderActive), string(TriggerOrderTriggered)}
		to = string(TriggerOrderCancelled)
	}
	if err := s.db.transition(ctx, rule.Kind(), automationID, from, now, map[string]interface{}{"status": to}); err != nil {
		return err
	}
	s.logger.Info().Str("automation_id", automationID).Str("automation_type", string(rule.Kind())).Msg("automation cancelled")
	return nil
}

// PauseRule stops scheduling an auto-invest or rebalancing rule
func (s *Service) PauseRule(ctx context.Context, clientID, automationID string) error {
	rule, err := s.owned(ctx, clientID, automationID)
	if err != nil {
		return err
	}
	if rule.Kind() == types.AutomationTriggerOrder {
		return fmt.Errorf("trigger orders cannot be paused: %w", types.ErrInvalidTransition)
	}
	return s.db.transition(ctx, rule.Kind(), automationID,
		[]string{string(StatusActive)}, s.now().UTC(),
		map[string]interface{}{"status": StatusPaused})
}

// PauseAfterFailures retires a failing rule on the engine's behalf. It
// bypasses the ownership check and tolerates the caller's own lease.
// Trigger orders have no paused state and are cancelled instead.
func (s *Service) PauseAfterFailures(ctx context.Context, kind types.AutomationType, automationID, owner string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	from := []string{string(StatusActive)}
	to := string(StatusPaused)
	if kind == types.AutomationTriggerOrder {
		from = []string{string(TriggerOrderActive), string(TriggerOrderTriggered)}
		to = string(TriggerOrderCancelled)
	}
	result := s.db.db.WithContext(ctx).Model(t.model).
		Where(t.idColumn+" = ? AND lock_owner = ?", automationID, owner).
		Where("status IN ?", from).
		Updates(map[string]interface{}{"status": to})
	if result.Error != nil {
		return fmt.Errorf("failed to pause %s: %w", automationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", automationID, types.ErrLeaseLost)
	}
	return nil
}

// ResumeRule reactivates a paused rule. The next due date is recomputed so
// occurrences missed while paused are not replayed.
func (s *Service) ResumeRule(ctx context.Context, clientID, automationID string) error {
	rule, err := s.owned(ctx, clientID, automationID)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	fields := map[string]interface{}{"status": StatusActive}
	switch r := rule.(type) {
	case *AutoInvestRule:
		fields["next_execution_date"] = FirstOccurrenceFrom(r.StartDate, r.Frequency, now)
	case *RebalancingRule:
		fields["next_rebalancing_date"] = NextRebalancingDate(r, now)
	case *TriggerOrder:
		return fmt.Errorf("trigger orders cannot be resumed: %w", types.ErrInvalidTransition)
	}
	return s.db.transition(ctx, rule.Kind(), automationID, []string{string(StatusPaused)}, now, fields)
}

// ClientRules groups every rule a client owns
type ClientRules struct {
	AutoInvest    []AutoInvestRule  `json:"auto_invest"`
	Rebalancing   []RebalancingRule `json:"rebalancing"`
	TriggerOrders []TriggerOrder    `json:"trigger_orders"`
}

func (s *Service) ListClientRules(ctx context.Context, clientID string) (*ClientRules, error) {
	autoInvest, err := s.db.ListClientAutoInvestRules(ctx, clientID)
	if err != nil {
		return nil, err
	}
	rebalancing, err := s.db.ListClientRebalancingRules(ctx, clientID)
	if err != nil {
		return nil, err
	}
	triggers, err := s.db.ListClientTriggerOrders(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &ClientRules{AutoInvest: autoInvest, Rebalancing: rebalancing, TriggerOrders: triggers}, nil
}

func (s *Service) ListRebalancingExecutions(ctx context.Context, clientID, ruleID string) ([]RebalancingExecution, error) {
	if _, err := s.owned(ctx, clientID, ruleID); err != nil {
		return nil, err
	}
	return s.db.ListRebalancingExecutions(ctx, ruleID)
}

// CancelRebalancingExecution declines a rebalancing awaiting confirmation
func (s *Service) CancelRebalancingExecution(ctx context.Context, clientID, executionID string) error {
	e, err := s.db.GetRebalancingExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.ClientID != clientID {
		return fmt.Errorf("rebalancing execution %s: %w", executionID, types.ErrNotFound)
	}
	return s.db.UpdateRebalancingExecution(ctx, executionID, RebalancingPending,
		map[string]interface{}{"status": RebalancingCancelled})
}

// GinHandlers contains HTTP handlers for rule endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for rule endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateAutoInvestHandler handles POST requests to create auto-invest rules
func (h *GinHandlers) CreateAutoInvestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule AutoInvestRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		rule.ClientID = c.GetString("clientID")

		err := h.service.CreateAutoInvestRule(c.Request.Context(), &rule)
		response.Handle(c, &rule, err)
	}
}

// UpdateAutoInvestHandler handles PATCH requests for auto-invest rules
// URL parameter: rule_id
func (h *GinHandlers) UpdateAutoInvestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var upd AutoInvestUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		rule, err := h.service.UpdateAutoInvestRule(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"), upd)
		response.Handle(c, rule, err)
	}
}

// CreateRebalancingHandler handles POST requests to create rebalancing rules
func (h *GinHandlers) CreateRebalancingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule RebalancingRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		rule.ClientID = c.GetString("clientID")

		err := h.service.CreateRebalancingRule(c.Request.Context(), &rule)
		response.Handle(c, &rule, err)
	}
}

// UpdateRebalancingHandler handles PATCH requests for rebalancing rules
// URL parameter: rule_id
func (h *GinHandlers) UpdateRebalancingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var upd RebalancingUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		rule, err := h.service.UpdateRebalancingRule(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"), upd)
		response.Handle(c, rule, err)
	}
}

// CreateTriggerOrderHandler handles POST requests to create trigger orders
func (h *GinHandlers) CreateTriggerOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var order TriggerOrder
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order.ClientID = c.GetString("clientID")

		err := h.service.CreateTriggerOrder(c.Request.Context(), &order)
		response.Handle(c, &order, err)
	}
}

// UpdateTriggerOrderHandler handles PATCH requests for trigger orders
// URL parameter: rule_id
func (h *GinHandlers) UpdateTriggerOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var upd TriggerOrderUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order, err := h.service.UpdateTriggerOrder(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"), upd)
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) GetRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, err := h.service.GetRule(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"))
		response.Handle(c, rule, err)
	}
}

func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := h.service.ListClientRules(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, rules, err)
	}
}

// statusChange adapts a status transition to a handler
func (h *GinHandlers) statusChange(change func(ctx context.Context, clientID, automationID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		automationID := c.Param("rule_id")
		err := change(c.Request.Context(), c.GetString("clientID"), automationID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		rule, err := h.service.GetRule(c.Request.Context(), c.GetString("clientID"), automationID)
		response.Handle(c, rule, err)
	}
}

func (h *GinHandlers) CancelRuleHandler() gin.HandlerFunc {
	return h.statusChange(h.service.CancelRule)
}

func (h *GinHandlers) PauseRuleHandler() gin.HandlerFunc {
	return h.statusChange(h.service.PauseRule)
}

func (h *GinHandlers) ResumeRuleHandler() gin.HandlerFunc {
	return h.statusChange(h.service.ResumeRule)
}

func (h *GinHandlers) ListRebalancingExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		executions, err := h.service.ListRebalancingExecutions(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"))
		response.Handle(c, executions, err)
	}
}

func (h *GinHandlers) CancelRebalancingExecutionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.CancelRebalancingExecution(c.Request.Context(), c.GetString("clientID"), c.Param("execution_id"))
		response.Handle(c, gin.H{"execution_id": c.Param("execution_id"), "status": RebalancingCancelled}, err)
	}
}
