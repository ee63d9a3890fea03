package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendTimeout = 10 * time.Second
	redeliveryBatch    = 100
	// Pending rows without a deferral older than this were orphaned by a crash
	stalePending = 5 * time.Minute
)

// Dispatcher matches engine events against client preferences and delivers
// them, recording one log row per channel
type Dispatcher struct {
	db          *Database
	transport   Transport
	sendTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

func NewDispatcher(db *Database, transport Transport, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Dispatcher{
		db:          db,
		transport:   transport,
		sendTimeout: sendTimeout,
		now:         time.Now,
		logger:      log.With().Str("component", "notification_dispatcher").Logger(),
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch fans a notice out to every matching channel and returns the
// number of log rows it created. Transport failures are recorded on the row;
// only store failures are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notice) (int, error) {
	if !n.Event.Valid() {
		return 0, fmt.Errorf("unknown event %q: %w", n.Event, types.ErrValidation)
	}
	prefs, err := d.db.EnabledPreferences(ctx, n.ClientID, n.Event)
	if err != nil {
		return 0, fmt.Errorf("failed to load preferences for %s: %w", n.ClientID, err)
	}

	now := d.now().UTC()
	occurred := n.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	day := occurred.UTC().Format("2006-01-02")

	created := 0
	for _, pref := range prefs {
		if !matches(pref, n) {
			continue
		}
		until, quiet, err := quietUntil(pref.QuietHoursStart, pref.QuietHoursEnd, now)
		if err != nil {
			d.logger.Warn().Err(err).Str("preference_id", pref.PreferenceID).Msg("ignoring malformed quiet hours")
		}

		for _, channel := range pref.Channels {
			entry := &NotificationLog{
				LogID:          "NTF_" + uuid.New().String(),
				DedupeKey:      fmt.Sprintf("%s|%s|%s|%s|%s", n.Event, n.ClientID, n.AutomationID, day, channel),
				ClientID:       n.ClientID,
				Event:          n.Event,
				Channel:        channel,
				AutomationType: n.AutomationType,
				AutomationID:   n.AutomationID,
				Title:          n.Event.Title(),
				Message:        n.Message,
				Metadata:       n.Metadata,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if quiet {
				entry.DeliverAfter = &until
			}

			inserted, err := d.db.InsertPending(ctx, entry)
			if err != nil {
				return created, err
			}
			if !inserted {
				continue
			}
			created++
			if quiet {
				d.logger.Debug().Str("log_id", entry.LogID).Time("deliver_after", until).Msg("deferred for quiet hours")
				continue
			}
			if err := d.deliver(ctx, entry); err != nil {
				return created, err
			}
		}
	}
	return created, nil
}

// Redeliver sends deferred rows whose quiet hours have ended and returns
// how many were attempted
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	now := d.now().UTC()
	due, err := d.db.DueForRedelivery(ctx, now, now.Add(-stalePending), redeliveryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to load deferred notifications: %w", err)
	}

	attempted := 0
	for i := range due {
		entry := &due[i]
		won, err := d.db.Claim(ctx, entry.LogID, entry.Attempts)
		if err != nil {
			return attempted, err
		}
		if !won {
			continue
		}
		attempted++
		if err := d.deliver(ctx, entry); err != nil {
			return attempted, err
		}
	}
	return attempted, nil
}

func (d *Dispatcher) deliver(ctx context.Context, entry *NotificationLog) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	payload := Payload{
		LogID:        entry.LogID,
		Event:        entry.Event,
		Title:        entry.Title,
		Message:      entry.Message,
		AutomationID: entry.AutomationID,
		Metadata:     entry.Metadata,
	}
	if err := d.transport.Send(sendCtx, entry.Channel, entry.ClientID, payload); err != nil {
		d.logger.Warn().Err(err).
			Str("log_id", entry.LogID).
			Str("channel", string(entry.Channel)).
			Msg("notification delivery failed")
		entry.Status = StatusFailed
		entry.Error = err.Error()
		return d.db.Finish(ctx, entry.LogID, StatusFailed, nil, err.Error())
	}

	sentAt := d.now().UTC()
	entry.Status = StatusSent
	entry.SentAt = &sentAt
	return d.db.Finish(ctx, entry.LogID, StatusSent, &sentAt, "")
}

// matches applies the scheme allow-list and the amount floor. Either filter
// is ignored for notices that carry no scheme or no amount.
func matches(pref NotificationPreference, n Notice) bool {
	if len(pref.SchemeIDs) > 0 && n.SchemeID != "" {
		allowed := false
		for _, id := range pref.SchemeIDs {
			if id == n.SchemeID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if pref.MinAmount.Valid && n.Amount.Valid && n.Amount.Decimal.LessThan(pref.MinAmount.Decimal) {
		return false
	}
	return true
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// quietUntil reports whether now falls inside the quiet window and, if so,
// when the window ends. Windows may wrap midnight.
func quietUntil(start, end string, now time.Time) (time.Time, bool, error) {
	if start == "" || end == "" {
		return time.Time{}, false, nil
	}
	from, err := parseClock(start)
	if err != nil {
		return time.Time{}, false, err
	}
	to, err := parseClock(end)
	if err != nil {
		return time.Time{}, false, err
	}
	if from == to {
		return time.Time{}, false, nil
	}

	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := now.Sub(midnight)

	if from < to {
		if offset >= from && offset < to {
			return midnight.Add(to), true, nil
		}
		return time.Time{}, false, nil
	}
	if offset >= from {
		return midnight.AddDate(0, 0, 1).Add(to), true, nil
	}
	if offset < to {
		return midnight.Add(to), true, nil
	}
	return time.Time{}, false, nil
}
