// Package scheduler runs automation rules: each cycle it sweeps expired
// rules, leases every due rule and executes it on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-automation/internal/auditlog"
	"github.com/ksred/klear-automation/internal/executor"
	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/internal/valuehistory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultWorkers         = 4
	defaultLeaseDuration   = 5 * time.Minute
	defaultExecutorTimeout = 30 * time.Second
)

type Config struct {
	Workers         int
	LeaseDuration   time.Duration
	ExecutorTimeout time.Duration
	// MaxConsecutiveFailures pauses a rule once that many occurrences in a
	// row have failed. Retries of one occurrence count once. Zero disables
	// auto-pause.
	MaxConsecutiveFailures int
	// Owner prefixes every lease this process takes
	Owner string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.ExecutorTimeout <= 0 {
		c.ExecutorTimeout = defaultExecutorTimeout
	}
	if c.Owner == "" {
		c.Owner, _ = os.Hostname()
		if c.Owner == "" {
			c.Owner = "scheduler"
		}
	}
	return c
}

// Notifier receives the events the engine raises
type Notifier interface {
	Dispatch(ctx context.Context, n notification.Notice) (int, error)
}

// Deps are the collaborators a Scheduler drives
type Deps struct {
	DB       *gorm.DB
	Rules    *rules.Service
	Executor executor.Executor
	Values   marketdata.Source
	History  valuehistory.Store
	Notifier Notifier
}

type Scheduler struct {
	cfg      Config
	db       *gorm.DB
	rules    *rules.Service
	store    *rules.Database
	audit    *auditlog.Database
	executor executor.Executor
	values   marketdata.Source
	history  valuehistory.Store
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// Status summarises the most recent cycle
type Status struct {
	LastCycleAt          *time.Time `json:"last_cycle_at"`
	RulesDueCount        int        `json:"rules_due_count"`
	RulesFailedLastCycle int        `json:"rules_failed_last_cycle"`
	Running              bool       `json:"running"`
	LastError            string     `json:"last_error,omitempty"`
}

// Outcome is what one attempt on one rule did
type Outcome struct {
	AutomationType types.AutomationType  `json:"automation_type"`
	AutomationID   string                `json:"automation_id"`
	Status         types.ExecutionStatus `json:"status,omitempty"` // empty when nothing was recorded
	OrderIDs       []string              `json:"order_ids,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	Error          string                `json:"error,omitempty"`
	Contended      bool                  `json:"-"`
}

// CycleReport tallies one cycle
type CycleReport struct {
	At        time.Time `json:"at"`
	Expired   int       `json:"expired"`
	Completed int64     `json:"completed"`
	Due       int       `json:"due"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Contended int       `json:"contended"`
	Idle      int       `json:"idle"`
}

func (r *CycleReport) add(o *Outcome) {
	switch {
	case o.Contended:
		r.Contended++
	case o.Status == types.ExecutionSuccess:
		r.Succeeded++
	case o.Status == types.ExecutionFailed:
		r.Failed++
	case o.Status == types.ExecutionSkipped:
		r.Skipped++
	default:
		r.Idle++
	}
}

func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	history := deps.History
	if history == nil {
		history = valuehistory.NewMemoryStore(0)
	}
	return &Scheduler{
		cfg:      cfg,
		db:       deps.DB,
		rules:    deps.Rules,
		store:    deps.Rules.Store(),
		audit:    auditlog.NewDatabase(deps.DB),
		executor: executor.WithTimeout(deps.Executor, cfg.ExecutorTimeout),
		values:   deps.Values,
		history:  history,
		notifier: deps.Notifier,
		now:      time.Now,
		logger:   log.With().Str("component", "scheduler").Logger(),
	}
}

// WithClock replaces the scheduler clock, used by simulations and tests
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Tick runs one cycle at the current time. It is the cron entry point.
func (s *Scheduler) Tick(ctx context.Context) {
	if _, err := s.RunCycle(ctx, s.now()); err != nil {
		s.logger.Error().Err(err).Msg("scheduler cycle aborted")
	}
}

// RunCycle executes every rule due at now. A rule's own failure is
// recorded against it. A store or notification log failure fails the
// cycle and is returned once every due rule has been attempted.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	now = now.UTC()
	s.mu.Lock()
	s.status.Running = true
	s.mu.Unlock()

	report := &CycleReport{At: now}
	err := s.runCycle(ctx, now, report)

	s.mu.Lock()
	s.status.Running = false
	s.status.LastCycleAt = &now
	s.status.RulesDueCount = report.Due
	s.status.RulesFailedLastCycle = report.Failed
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		return report, err
	}
	s.logger.Info().
		Time("cycle_at", now).
		Int("due", report.Due).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("contended", report.Contended).
		Int("expired", report.Expired).
		Msg("scheduler cycle complete")
	return report, nil
}

func (s *Scheduler) runCycle(ctx context.Context, now time.Time, report *CycleReport) error {
	if err := s.sweep(ctx, now, report); err != nil {
		return err
	}

	due, err := s.store.ListDueRules(ctx, now)
	if err != nil {
		return err
	}
	report.Due = len(due)

	// one rule's error never cancels the attempts of its siblings
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, rule := range due {
		g.Go(func() error {
			outcome, err := s.process(ctx, rule, now, false)
			if err != nil {
				s.logger.Error().Err(err).Str("automation_id", rule.AutomationID()).Msg("automation aborted the cycle")
				return fmt.Errorf("%s: %w", rule.AutomationID(), err)
			}
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// sweep retires rules whose validity has ended
func (s *Scheduler) sweep(ctx context.Context, now time.Time, report *CycleReport) error {
	expired, err := s.store.ExpireTriggerOrders(ctx, now)
	if err != nil {
		return err
	}
	report.Expired = len(expired)
	for _, o := range expired {
		s.logger.Info().Str("automation_id", o.TriggerOrderID).Msg("trigger order expired")
		if err := s.notify(ctx, notification.Notice{
			Event:          notification.EventTriggerOrderExpired,
			ClientID:       o.ClientID,
			AutomationType: types.AutomationTriggerOrder,
			AutomationID:   o.TriggerOrderID,
			SchemeID:       o.SchemeID,
			OccurredAt:     now,
			Message:        fmt.Sprintf("Trigger order %s expired without executing", o.TriggerOrderID),
		}); err != nil {
			return err
		}
	}

	completed, err := s.store.CompleteEndedAutoInvest(ctx, now)
	if err != nil {
		return err
	}
	report.Completed = completed
	return nil
}

// process leases one rule, re-reads it and runs its family's logic.
// Manual attempts ignore the schedule but not the rule's status.
func (s *Scheduler) process(ctx context.Context, rule rules.Rule, now time.Time, manual bool) (*Outcome, error) {
	kind, id := rule.Kind(), rule.AutomationID()
	out := &Outcome{AutomationType: kind, AutomationID: id}

	err := s.withLease(ctx, kind, id, now, out, func(owner string) error {
		fresh, err := s.store.FindRule(ctx, id)
		if err != nil {
			return err
		}
		if manual {
			if err := executable(fresh); err != nil {
				return err
			}
		} else if !rules.Schedulable(fresh, now) {
			return nil
		}

		a := &attempt{s: s, owner: owner, now: now, manual: manual, out: out}
		switch r := fresh.(type) {
		case *rules.AutoInvestRule:
			return a.autoInvest(ctx, r)
		case *rules.RebalancingRule:
			return a.rebalancing(ctx, r)
		case *rules.TriggerOrder:
			return a.triggerOrder(ctx, r)
		default:
			return fmt.Errorf("unsupported rule type %T", fresh)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withLease runs fn while holding the rule's execution lease. A lease held
// by someone else marks out as contended and skips fn.
func (s *Scheduler) withLease(ctx context.Context, kind types.AutomationType, id string, now time.Time, out *Outcome, fn func(owner string) error) error {
	owner := s.cfg.Owner + "/" + uuid.New().String()
	locked, err := s.store.TryLock(ctx, kind, id, owner, now, now.Add(s.cfg.LeaseDuration))
	if err != nil {
		return err
	}
	if !locked {
		s.logger.Debug().Str("automation_id", id).Msg("rule is already executing, skipping")
		out.Contended = true
		return nil
	}
	defer func() {
		if err := s.store.Unlock(context.WithoutCancel(ctx), kind, id, owner); err != nil {
			s.logger.Error().Err(err).Str("automation_id", id).Msg("failed to release lease")
		}
	}()
	return fn(owner)
}

// executable rejects rules a client may not run by hand
func executable(rule rules.Rule) error {
	switch r := rule.(type) {
	case *rules.AutoInvestRule:
		if r.Status != rules.StatusActive || !r.IsEnabled {
			return fmt.Errorf("%s is %s: %w", r.RuleID, r.Status, types.ErrInvalidTransition)
		}
	case *rules.RebalancingRule:
		if r.Status != rules.StatusActive || !r.IsEnabled {
			return fmt.Errorf("%s is %s: %w", r.RuleID, r.Status, types.ErrInvalidTransition)
		}
	case *rules.TriggerOrder:
		if !r.Status.Live() {
			return fmt.Errorf("%s is %s: %w", r.TriggerOrderID, r.Status, types.ErrInvalidTransition)
		}
	}
	return nil
}

// ManualExecute runs one of the client's rules now, outside its schedule.
// It competes for the same lease as the scheduler.
func (s *Scheduler) ManualExecute(ctx context.Context, clientID, automationID string) (*Outcome, error) {
	rule, err := s.rules.GetRule(ctx, clientID, automationID)
	if err != nil {
		return nil, err
	}
	if err := executable(rule); err != nil {
		return nil, err
	}
	out, err := s.process(ctx, rule, s.now().UTC(), true)
	if err != nil {
		return nil, err
	}
	if out.Contended {
		return nil, fmt.Errorf("%s: %w", automationID, types.ErrLockContention)
	}
	return out, nil
}

// ConfirmRebalancing executes a rebalancing that was waiting for the
// client's confirmation
func (s *Scheduler) ConfirmRebalancing(ctx context.Context, clientID, executionID string) (*rules.RebalancingExecution, error) {
	exec, err := s.store.GetRebalancingExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.ClientID != clientID {
		return nil, fmt.Errorf("rebalancing execution %s: %w", executionID, types.ErrNotFound)
	}
	if exec.Status != rules.RebalancingPending {
		return nil, fmt.Errorf("rebalancing execution %s is %s: %w", executionID, exec.Status, types.ErrInvalidTransition)
	}

	now := s.now().UTC()
	out := &Outcome{AutomationType: types.AutomationRebalancing, AutomationID: exec.RuleID}
	err = s.withLease(ctx, types.AutomationRebalancing, exec.RuleID, now, out, func(owner string) error {
		rule, err := s.store.GetRebalancingRule(ctx, exec.RuleID)
		if err != nil {
			return err
		}
		if err := executable(rule); err != nil {
			return err
		}
		// a cancel that lands after this claim fails
		claim := map[string]interface{}{"status": rules.RebalancingExecuting, "updated_at": now}
		if err := s.store.UpdateRebalancingExecution(ctx, executionID, rules.RebalancingPending, claim); err != nil {
			return err
		}
		a := &attempt{s: s, owner: owner, now: now, manual: true, out: out}
		return a.executeRebalancing(ctx, rule, exec, nil, false)
	})
	if err != nil {
		return nil, err
	}
	if out.Contended {
		return nil, fmt.Errorf("%s: %w", exec.RuleID, types.ErrLockContention)
	}
	return s.store.GetRebalancingExecution(ctx, executionID)
}

func (s *Scheduler) notify(ctx context.Context, n notification.Notice) error {
	if s.notifier == nil {
		return nil
	}
	if _, err := s.notifier.Dispatch(ctx, n); err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", n.Event, err)
	}
	return nil
}
