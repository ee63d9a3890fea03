// Package notification matches rule engine events against client
// preferences and delivers them over email, SMS, push and in-app channels.
package notification

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service manages notification preferences and exposes the dispatcher
type Service struct {
	db         *Database
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

func NewService(gormDB *gorm.DB, transport Transport, sendTimeout time.Duration) *Service {
	db := NewDatabase(gormDB)
	return &Service{
		db:         db,
		dispatcher: NewDispatcher(db, transport, sendTimeout),
		logger:     log.With().Str("service", "notification").Logger(),
	}
}

func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// PreferenceInput is the body of a preference upsert
type PreferenceInput struct {
	Event           Event            `json:"event" binding:"required"`
	Channels        []Channel        `json:"channels"`
	Enabled         *bool            `json:"enabled"`
	QuietHoursStart string           `json:"quiet_hours_start"`
	QuietHoursEnd   string           `json:"quiet_hours_end"`
	MinAmount       *decimal.Decimal `json:"min_amount"`
	SchemeIDs       []string         `json:"scheme_ids"`
}

func (in PreferenceInput) validate() error {
	if !in.Event.Valid() {
		return fmt.Errorf("unknown event %q: %w", in.Event, types.ErrValidation)
	}
	if len(in.Channels) == 0 {
		return fmt.Errorf("at least one channel is required: %w", types.ErrValidation)
	}
	seen := make(map[Channel]bool, len(in.Channels))
	for _, ch := range in.Channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q: %w", ch, types.ErrValidation)
		}
		if seen[ch] {
			return fmt.Errorf("duplicate channel %q: %w", ch, types.ErrValidation)
		}
		seen[ch] = true
	}
	if (in.QuietHoursStart == "") != (in.QuietHoursEnd == "") {
		return fmt.Errorf("quiet hours need both start and end: %w", types.ErrValidation)
	}
	if in.QuietHoursStart != "" {
		if _, err := parseClock(in.QuietHoursStart); err != nil {
			return fmt.Errorf("quiet_hours_start: %v: %w", err, types.ErrValidation)
		}
		if _, err := parseClock(in.QuietHoursEnd); err != nil {
			return fmt.Errorf("quiet_hours_end: %v: %w", err, types.ErrValidation)
		}
	}
	if in.MinAmount != nil && in.MinAmount.IsNegative() {
		return fmt.Errorf("min_amount must not be negative: %w", types.ErrValidation)
	}
	return nil
}

// SetPreference creates or replaces the client's preference for an event
func (s *Service) SetPreference(ctx context.Context, clientID string, in PreferenceInput) (*NotificationPreference, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	pref := &NotificationPreference{
		PreferenceID:    "NPR_" + uuid.New().String(),
		ClientID:        clientID,
		Event:           in.Event,
		Channels:        in.Channels,
		Enabled:         in.Enabled == nil || *in.Enabled,
		QuietHoursStart: in.QuietHoursStart,
		QuietHoursEnd:   in.QuietHoursEnd,
		SchemeIDs:       in.SchemeIDs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.MinAmount != nil {
		pref.MinAmount = decimal.NewNullDecimal(*in.MinAmount)
	}
	if err := s.db.SavePreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("failed to save preference: %w", err)
	}

	s.logger.Info().
		Str("client_id", clientID).
		Str("event", string(in.Event)).
		Bool("enabled", pref.Enabled).
		Msg("notification preference saved")
	return s.db.GetPreference(ctx, clientID, in.Event)
}

func (s *Service) ListPreferences(ctx context.Context, clientID string) ([]NotificationPreference, error) {
	return s.db.ListPreferences(ctx, clientID)
}

func (s *Service) DisablePreference(ctx context.Context, clientID string, event Event) error {
	return s.db.Disable(ctx, clientID, event)
}

func (s *Service) ListLogs(ctx context.Context, clientID string, limit int) ([]NotificationLog, error) {
	return s.db.ListLogs(ctx, clientID, limit)
}

// GinHandlers exposes preferences and delivery history
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SetPreferenceHandler handles PUT requests upserting a preference
func (h *GinHandlers) SetPreferenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in PreferenceInput
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		pref, err := h.service.SetPreference(c.Request.Context(), c.GetString("clientID"), in)
		response.Handle(c, pref, err)
	}
}

func (h *GinHandlers) ListPreferencesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		prefs, err := h.service.ListPreferences(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, prefs, err)
	}
}

// DisablePreferenceHandler handles DELETE requests
// URL parameter: event
func (h *GinHandlers) DisablePreferenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		event := Event(c.Param("event"))
		err := h.service.DisablePreference(c.Request.Context(), c.GetString("clientID"), event)
		response.Handle(c, gin.H{"event": event, "enabled": false}, err)
	}
}

// ListLogsHandler handles GET requests for delivery history
// Query: limit
func (h *GinHandlers) ListLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		logs, err := h.service.ListLogs(c.Request.Context(), c.GetString("clientID"), limit)
		response.Handle(c, logs, err)
	}
}
