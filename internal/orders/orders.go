// Package orders is the default Action Executor: it persists one order per
// action, deduplicated by the action's idempotency key, and places it on
// simulated venues.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Placer places an order on a venue
type Placer interface {
	Place(ctx context.Context, order *Order) (*Fill, error)
}

// Service handles order placement for automations
type Service struct {
	db             *Database
	placer         Placer
	idempotencyTTL time.Duration
	logger         zerolog.Logger
}

// NewService creates a new order service with the given database connection
func NewService(gormDB *gorm.DB, placer Placer, idempotencyTTL time.Duration) *Service {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &Service{
		db:             NewDatabase(gormDB),
		placer:         placer,
		idempotencyTTL: idempotencyTTL,
		logger:         log.With().Str("service", "orders").Logger(),
	}
}

// Execute places the action's order. A second call with the same
// idempotency key returns the order placed by the first successful call.
// The key is reserved before the venue is contacted, so concurrent calls
// for one key place at most one order.
func (s *Service) Execute(ctx context.Context, action types.Action) (string, error) {
	key := action.IdempotencyKey()
	logger := s.logger.With().Str("idempotency_key", key).Str("automation_id", action.AutomationID).Logger()

	now := time.Now().UTC()
	order := &Order{
		OrderID:        "ORD_" + uuid.New().String(),
		IdempotencyKey: key,
		AutomationType: action.AutomationType,
		AutomationID:   action.AutomationID,
		ClientID:       action.ClientID,
		OrderType:      action.OrderType,
		SchemeID:       action.SchemeID,
		TargetSchemeID: action.TargetSchemeID,
		AssetClass:     action.AssetClass,
		Amount:         action.Amount,
		Units:          action.Units,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	reserved, err := s.db.ReserveOrder(ctx, order, now.Add(s.idempotencyTTL))
	if err != nil {
		return "", fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if !reserved {
		orderID, retry, err := s.existing(ctx, key, now)
		if err != nil || !retry {
			if err == nil {
				logger.Info().Str("order_id", orderID).Msg("returning existing order for idempotency key")
			}
			return orderID, err
		}
		// the stale record is gone, one more try
		if reserved, err = s.db.ReserveOrder(ctx, order, now.Add(s.idempotencyTTL)); err != nil {
			return "", fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !reserved {
			return "", fmt.Errorf("idempotency key %s was taken concurrently: %w", key, types.ErrLockContention)
		}
	}

	fill, err := s.placer.Place(ctx, order)
	if err != nil {
		if relErr := s.db.ReleaseFailed(context.WithoutCancel(ctx), order.OrderID, key, err.Error()); relErr != nil {
			logger.Error().Err(relErr).Str("order_id", order.OrderID).Msg("failed to release idempotency key")
		}
		return "", err
	}

	if err := s.db.FillOrder(context.WithoutCancel(ctx), order, fill); err != nil {
		return "", fmt.Errorf("failed to finalize order %s: %w", order.OrderID, err)
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("venue_id", fill.VenueID).
		Str("amount", order.Amount.String()).
		Msg("order filled")
	return order.OrderID, nil
}

// existing resolves a key someone else reserved. retry is set when the
// record was stale and has been dropped.
func (s *Service) existing(ctx context.Context, key string, now time.Time) (orderID string, retry bool, err error) {
	record, err := s.db.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if record == nil {
		return "", true, nil
	}
	order, err := s.db.GetOrder(ctx, record.ResourceID)
	if err != nil {
		return "", false, err
	}
	switch {
	case record.ExpiresAt.Before(now), order == nil, order.Status == StatusFailed:
		if err := s.db.DeleteIdempotencyRecord(ctx, key); err != nil {
			return "", false, fmt.Errorf("failed to drop stale idempotency key: %w", err)
		}
		return "", true, nil
	case order.Status == StatusPending:
		return "", false, fmt.Errorf("order %s for key %s is still being placed: %w", order.OrderID, key, types.ErrLockContention)
	}
	return order.OrderID, false, nil
}

// GetOrderByOrderIDAndClientID retrieves an order by its ID and client ID
func (s *Service) GetOrderByOrderIDAndClientID(ctx context.Context, orderID, clientID string) (*Order, error) {
	order, err := s.db.GetOrderByOrderIDAndClientID(ctx, orderID, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	return order, nil
}

func (s *Service) ListAutomationOrders(ctx context.Context, automationID, clientID string) ([]Order, error) {
	return s.db.ListAutomationOrders(ctx, automationID, clientID)
}

// PurgeExpired removes expired idempotency records
func (s *Service) PurgeExpired(ctx context.Context) error {
	n, err := s.db.PurgeExpiredIdempotency(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("purged expired idempotency records")
	}
	return nil
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderByOrderIDAndClientID(c.Request.Context(), orderID, clientID)
		if errors.Is(err, types.ErrNotFound) {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}

// ListAutomationOrdersHandler handles GET requests for the orders an automation placed
// URL parameter: rule_id
func (h *GinHandlers) ListAutomationOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.ListAutomationOrders(c.Request.Context(), c.Param("rule_id"), c.GetString("clientID"))
		response.Handle(c, orders, err)
	}
}
