// Package approval guards orders that need manual authorization. An
// operator claims an approval before acting on it, and only the claimant
// may start, authorize, reject or release it.
package approval

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/executor"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultClaimTTL = 15 * time.Minute

type Service struct {
	db       *Database
	executor executor.Executor
	claimTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(gormDB *gorm.DB, exec executor.Executor, claimTTL time.Duration) *Service {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &Service{
		db:       NewDatabase(gormDB),
		executor: exec,
		claimTTL: claimTTL,
		now:      time.Now,
		logger:   log.With().Str("service", "approval").Logger(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit queues a client order for operator approval
func (s *Service) Submit(ctx context.Context, clientID string, req SubmitRequest) (*Approval, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a := &Approval{
		ApprovalID:     "APR_" + uuid.New().String(),
		ClientID:       clientID,
		OrderType:      req.OrderType,
		SchemeID:       req.SchemeID,
		TargetSchemeID: req.TargetSchemeID,
		Amount:         req.Amount,
		Units:          req.Units,
		Reason:         req.Reason,
		Status:         StatusPendingApproval,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	s.logger.Info().Str("approval_id", a.ApprovalID).Str("client_id", clientID).Msg("approval submitted")
	return a, nil
}

func validateSubmit(req SubmitRequest) error {
	if !req.OrderType.Valid() {
		return fmt.Errorf("order_type %q is not supported: %w", req.OrderType, types.ErrValidation)
	}
	if req.SchemeID == "" {
		return fmt.Errorf("scheme_id is required: %w", types.ErrValidation)
	}
	if req.OrderType == types.OrderSwitch && req.TargetSchemeID == "" {
		return fmt.Errorf("target_scheme_id is required for switches: %w", types.ErrValidation)
	}
	if req.Amount.Valid == req.Units.Valid {
		return fmt.Errorf("exactly one of amount or units is required: %w", types.ErrValidation)
	}
	if req.Amount.Valid && !req.Amount.Decimal.IsPositive() {
		return fmt.Errorf("amount must be positive: %w", types.ErrValidation)
	}
	if req.Units.Valid && !req.Units.Decimal.IsPositive() {
		return fmt.Errorf("units must be positive: %w", types.ErrValidation)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, approvalID string) (*Approval, error) {
	return s.db.GetApproval(ctx, approvalID)
}

func (s *Service) List(ctx context.Context, status Status, limit int) ([]Approval, error) {
	return s.db.ListApprovals(ctx, status, limit)
}

func (s *Service) ListClientApprovals(ctx context.Context, clientID string) ([]Approval, error) {
	return s.db.ListClientApprovals(ctx, clientID)
}

// Claim gives operator exclusive, time-bounded ownership of a pending
// approval. A live claim held by anyone fails with ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, approvalID, operator string) (*Approval, error) {
	now := s.now().UTC()
	ok, err := s.db.Claim(ctx, approvalID, operator, now, now.Add(s.claimTTL))
	if err != nil {
		return nil, err
	}
	if !ok {
		a, err := s.db.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() {
			return nil, fmt.Errorf("approval %s is %s: %w", approvalID, a.Status, types.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("approval %s is held by %s: %w", approvalID, a.ClaimedBy, types.ErrAlreadyClaimed)
	}
	s.logger.Info().Str("approval_id", approvalID).Str("operator", operator).Msg("approval claimed")
	return s.db.GetApproval(ctx, approvalID)
}

// Release hands a claimed approval back to the pending queue
func (s *Service) Release(ctx context.Context, approvalID, operator string) (*Approval, error) {
	now := s.now().UTC()
	if err := s.transition(ctx, approvalID, operator, []Status{StatusClaimed}, releaseFields(now)); err != nil {
		return nil, err
	}
	s.logger.Info().Str("approval_id", approvalID).Str("operator", operator).Msg("approval released")
	return s.db.GetApproval(ctx, approvalID)
}

// Start marks the claimant as working on the approval and renews the claim
func (s *Service) Start(ctx context.Context, approvalID, operator string) (*Approval, error) {
	if err := s.begin(ctx, approvalID, operator); err != nil {
		return nil, err
	}
	return s.db.GetApproval(ctx, approvalID)
}

func (s *Service) begin(ctx context.Context, approvalID, operator string) error {
	now := s.now().UTC()
	return s.transition(ctx, approvalID, operator, held, map[string]interface{}{
		"status":           StatusInProgress,
		"claim_expires_at": now.Add(s.claimTTL),
		"updated_at":       now,
	})
}

// Authorize places the approved order and closes the approval. A failed
// placement leaves the approval in progress so the claimant can retry;
// the order is keyed to the approval so a retry never places it twice.
func (s *Service) Authorize(ctx context.Context, approvalID, operator string) (*Approval, error) {
	if err := s.begin(ctx, approvalID, operator); err != nil {
		return nil, err
	}
	a, err := s.db.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	action := types.Action{
		AutomationType: types.AutomationApproval,
		AutomationID:   a.ApprovalID,
		ClientID:       a.ClientID,
		OrderType:      a.OrderType,
		SchemeID:       a.SchemeID,
		TargetSchemeID: a.TargetSchemeID,
		ExecutionDate:  a.CreatedAt.UTC().Truncate(24 * time.Hour),
	}
	if a.Amount.Valid {
		action.Amount = a.Amount.Decimal
	} else {
		action.Units = a.Units.Decimal
	}
	orderID, err := s.executor.Execute(ctx, action)
	if err != nil {
		s.logger.Error().Err(err).Str("approval_id", approvalID).Str("operator", operator).Msg("failed to place approved order")
		return nil, fmt.Errorf("failed to place order for approval %s: %w", approvalID, err)
	}

	now := s.now().UTC()
	err = s.transition(context.WithoutCancel(ctx), approvalID, operator, []Status{StatusInProgress}, map[string]interface{}{
		"status":           StatusAuthorized,
		"decided_by":       operator,
		"decided_at":       now,
		"order_id":         orderID,
		"claim_expires_at": nil,
		"updated_at":       now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("approval_id", approvalID).Str("operator", operator).Str("order_id", orderID).Msg("approval authorized")
	return s.db.GetApproval(ctx, approvalID)
}

func (s *Service) Reject(ctx context.Context, approvalID, operator, reason string) (*Approval, error) {
	if reason == "" {
		return nil, fmt.Errorf("a rejection reason is required: %w", types.ErrValidation)
	}
	now := s.now().UTC()
	err := s.transition(ctx, approvalID, operator, held, map[string]interface{}{
		"status":           StatusRejected,
		"decided_by":       operator,
		"decided_at":       now,
		"rejection_reason": reason,
		"claim_expires_at": nil,
		"updated_at":       now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("approval_id", approvalID).Str("operator", operator).Msg("approval rejected")
	return s.db.GetApproval(ctx, approvalID)
}

// ReleaseExpired returns lapsed claims to the pending queue
func (s *Service) ReleaseExpired(ctx context.Context) (int64, error) {
	return s.db.ReleaseExpired(ctx, s.now().UTC())
}

// transition applies fields when operator holds the approval in one of
// the from statuses, and explains the refusal otherwise
func (s *Service) transition(ctx context.Context, approvalID, operator string, from []Status, fields map[string]interface{}) error {
	ok, err := s.db.Transition(ctx, approvalID, operator, from, fields)
	if err != nil || ok {
		return err
	}

	a, err := s.db.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	switch {
	case a.Status.Terminal():
		return fmt.Errorf("approval %s is %s: %w", approvalID, a.Status, types.ErrInvalidTransition)
	case a.ClaimedBy != operator:
		return fmt.Errorf("approval %s is not claimed by %s: %w", approvalID, operator, types.ErrNotAuthorized)
	default:
		return fmt.Errorf("approval %s is %s: %w", approvalID, a.Status, types.ErrInvalidTransition)
	}
}

// GinHandlers contains HTTP handlers for approval endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SubmitHandler handles POST requests from clients queueing an order for approval
func (h *GinHandlers) SubmitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		approval, err := h.service.Submit(c.Request.Context(), c.GetString("clientID"), req)
		response.Handle(c, approval, err)
	}
}

func (h *GinHandlers) ListClientApprovalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		approvals, err := h.service.ListClientApprovals(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, approvals, err)
	}
}

// ListHandler handles GET requests for the operator queue
// Query parameters: status, limit
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		approvals, err := h.service.List(c.Request.Context(), Status(c.Query("status")), limit)
		response.Handle(c, approvals, err)
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		approval, err := h.service.Get(c.Request.Context(), c.Param("approval_id"))
		response.Handle(c, approval, err)
	}
}

// operatorAction adapts a claim operation to a handler. The operator is
// the authenticated subject.
func (h *GinHandlers) operatorAction(action func(ctx context.Context, approvalID, operator string) (*Approval, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		operator := c.GetString("operatorID")
		if operator == "" {
			response.Forbidden(c, "Operator access required")
			return
		}
		approval, err := action(c.Request.Context(), c.Param("approval_id"), operator)
		response.Handle(c, approval, err)
	}
}

func (h *GinHandlers) ClaimHandler() gin.HandlerFunc {
	return h.operatorAction(h.service.Claim)
}

func (h *GinHandlers) ReleaseHandler() gin.HandlerFunc {
	return h.operatorAction(h.service.Release)
}

func (h *GinHandlers) StartHandler() gin.HandlerFunc {
	return h.operatorAction(h.service.Start)
}

func (h *GinHandlers) AuthorizeHandler() gin.HandlerFunc {
	return h.operatorAction(h.service.Authorize)
}

func (h *GinHandlers) RejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.operatorAction(func(ctx context.Context, approvalID, operator string) (*Approval, error) {
			return h.service.Reject(ctx, approvalID, operator, req.Reason)
		})(c)
	}
}
