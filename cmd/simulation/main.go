package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-automation/internal/auditlog"
	"github.com/ksred/klear-automation/internal/condition"
	"github.com/ksred/klear-automation/internal/config"
	"github.com/ksred/klear-automation/internal/database"
	"github.com/ksred/klear-automation/internal/marketdata"
	"github.com/ksred/klear-automation/internal/notification"
	"github.com/ksred/klear-automation/internal/orders"
	"github.com/ksred/klear-automation/internal/rules"
	"github.com/ksred/klear-automation/internal/scheduler"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/internal/valuehistory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var schemes = []string{"SCH_EQ_LARGE", "SCH_EQ_MID", "SCH_DEBT_SHORT", "SCH_HYBRID"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// simClock is the simulated wall clock shared by every service
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// cycleStats tracks how long scheduler cycles take. Instances report concurrently.
type cycleStats struct {
	mu        sync.Mutex
	durations []time.Duration
	report    scheduler.CycleReport
}

func (cs *cycleStats) add(d time.Duration, r *scheduler.CycleReport) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.durations = append(cs.durations, d)
	cs.report.Expired += r.Expired
	cs.report.Completed += r.Completed
	cs.report.Due += r.Due
	cs.report.Succeeded += r.Succeeded
	cs.report.Failed += r.Failed
	cs.report.Skipped += r.Skipped
	cs.report.Contended += r.Contended
	cs.report.Idle += r.Idle
}

// calculate returns min, max, mean, median and 95th percentile durations
func (cs *cycleStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(cs.durations) == 0 {
		return 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), cs.durations...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	return
}

type simulation struct {
	rng     *rand.Rand
	clock   *simClock
	db      *gorm.DB
	rules   *rules.Service
	values  *marketdata.SimulatedSource
	orders  *orders.Service
	workers []*scheduler.Scheduler
	prices  map[string]float64
	clients []string
}

func newSimulation(seed int64, instances int) (*simulation, error) {
	db, err := database.NewDatabase(config.DBConfig{
		Driver:       "sqlite",
		DSN:          "file:klear-simulation?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open simulation database: %w", err)
	}

	clock := &simClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	sim := &simulation{
		rng:    rand.New(rand.NewSource(seed)),
		clock:  clock,
		db:     db,
		rules:  rules.NewService(db).WithClock(clock.Now),
		values: marketdata.NewSimulatedSource(),
		orders: orders.NewService(db, orders.NewRouter(orders.DefaultVenues(), seed), 0),
		prices: make(map[string]float64),
	}

	notifications := notification.NewService(db, notification.NewLogTransport(), time.Second)
	history := valuehistory.NewMemoryStore(0)
	for i := 0; i < instances; i++ {
		sched := scheduler.New(scheduler.Config{
			Workers:                4,
			MaxConsecutiveFailures: 3,
			Owner:                  fmt.Sprintf("sim-%d", i),
		}, scheduler.Deps{
			DB:       db,
			Rules:    sim.rules,
			Executor: sim.orders,
			Values:   sim.values,
			History:  history,
			Notifier: notifications.Dispatcher(),
		}).WithClock(clock.Now)
		sim.workers = append(sim.workers, sched)
	}

	for _, scheme := range schemes {
		sim.prices[scheme] = 80 + sim.rng.Float64()*40
		sim.values.SetValue(marketdata.KindPrice, "", scheme, sim.prices[scheme])
	}
	return sim, nil
}

// seedClient creates one rule of each family for a client
func (s *simulation) seedClient(ctx context.Context, clientID string) error {
	s.clients = append(s.clients, clientID)
	s.values.SetBalance(clientID, decimal.NewFromInt(int64(5000+s.rng.Intn(20000))))
	s.values.SetValue(marketdata.KindPortfolioValue, clientID, "", float64(50000+s.rng.Intn(150000)))
	s.randomAllocation(clientID)

	frequencies := []rules.Frequency{rules.FrequencyDaily, rules.FrequencyWeekly, rules.FrequencyMonthly}
	autoInvest := &rules.AutoInvestRule{
		ClientID:           clientID,
		SchemeID:           schemes[s.rng.Intn(len(schemes))],
		Amount:             decimal.NewFromInt(int64(100 * (1 + s.rng.Intn(10)))),
		Frequency:          frequencies[s.rng.Intn(len(frequencies))],
		MaxTotalAmount:     decimal.NewNullDecimal(decimal.NewFromInt(5000)),
		MinBalanceRequired: decimal.NewNullDecimal(decimal.NewFromInt(1000)),
	}
	if err := s.rules.CreateAutoInvestRule(ctx, autoInvest); err != nil {
		return err
	}

	rebalancing := &rules.RebalancingRule{
		ClientID:             clientID,
		Name:                 "core portfolio",
		Strategy:             rules.StrategyThresholdBased,
		TargetAllocation:     datatypes.NewJSONType(rules.Allocation{"equity": 60, "debt": 30, "hybrid": 10}),
		ThresholdPercent:     5,
		ExecuteAutomatically: true,
	}
	if err := s.rules.CreateRebalancingRule(ctx, rebalancing); err != nil {
		return err
	}

	scheme := schemes[s.rng.Intn(len(schemes))]
	cond := condition.CrossesBelow
	target := s.prices[scheme] * 0.95
	if s.rng.Intn(2) == 0 {
		cond = condition.CrossesAbove
		target = s.prices[scheme] * 1.05
	}
	validUntil := s.clock.Now().AddDate(0, 0, 20)
	trigger := &rules.TriggerOrder{
		ClientID:         clientID,
		TriggerType:      rules.TriggerPrice,
		TriggerCondition: cond,
		TriggerValue:     math.Round(target*100) / 100,
		OrderType:        types.OrderPurchase,
		SchemeID:         scheme,
		Amount:           decimal.NewNullDecimal(decimal.NewFromInt(2500)),
		ValidUntil:       &validUntil,
	}
	return s.rules.CreateTriggerOrder(ctx, trigger)
}

func (s *simulation) randomAllocation(clientID string) {
	equity := 50 + s.rng.Float64()*20
	debt := 25 + s.rng.Float64()*10
	s.values.SetAllocation(clientID, map[string]float64{
		"equity": equity,
		"debt":   debt,
		"hybrid": 100 - equity - debt,
	})
}

// moveMarket applies one step of a random walk to every price
func (s *simulation) moveMarket() {
	for _, scheme := range schemes {
		s.prices[scheme] *= 1 + (s.rng.Float64()-0.5)*0.04
		s.values.SetValue(marketdata.KindPrice, "", scheme, s.prices[scheme])
	}
	for _, clientID := range s.clients {
		if s.rng.Intn(10) == 0 {
			s.randomAllocation(clientID)
		}
	}
}

// runCycle starts every scheduler instance at the same instant, so rules
// due this cycle are contended and each must run exactly once
func (s *simulation) runCycle(ctx context.Context, stats *cycleStats) error {
	now := s.clock.Now()
	var wg sync.WaitGroup
	errs := make([]error, len(s.workers))
	for i, sched := range s.workers {
		wg.Add(1)
		go func(i int, sched *scheduler.Scheduler) {
			defer wg.Done()
			start := time.Now()
			report, err := sched.RunCycle(ctx, now)
			if err != nil {
				errs[i] = err
				return
			}
			stats.add(time.Since(start), report)
		}(i, sched)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	seed := flag.Int64("seed", 42, "random seed")
	clients := flag.Int("clients", 25, "number of simulated clients")
	days := flag.Int("days", 60, "number of simulated days")
	instances := flag.Int("instances", 2, "scheduler instances competing for rules")
	flag.Parse()

	ctx := context.Background()
	sim, err := newSimulation(*seed, *instances)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start simulation")
	}

	for i := 0; i < *clients; i++ {
		if err := sim.seedClient(ctx, fmt.Sprintf("CLIENT_%03d", i+1)); err != nil {
			log.Fatal().Err(err).Msg("failed to seed client")
		}
	}

	stats := &cycleStats{}

	start := time.Now()
	for day := 0; day < *days; day++ {
		// two cycles a day, one at the open and one at midday
		for _, step := range []time.Duration{0, 3 * time.Hour} {
			sim.clock.Advance(step)
			sim.moveMarket()
			if err := sim.runCycle(ctx, stats); err != nil {
				log.Fatal().Err(err).Int("day", day).Msg("cycle aborted")
			}
		}
		sim.clock.Advance(21 * time.Hour)
	}

	printResults(ctx, sim, stats, time.Since(start))
}

func printResults(ctx context.Context, sim *simulation, stats *cycleStats, elapsed time.Duration) {
	min, max, mean, median, p95 := stats.calculate()

	var logRows, successRows, failedRows, skippedRows int64
	sim.db.WithContext(ctx).Model(&auditlog.AutomationExecutionLog{}).Count(&logRows)
	sim.db.WithContext(ctx).Model(&auditlog.AutomationExecutionLog{}).Where("status = ?", types.ExecutionSuccess).Count(&successRows)
	sim.db.WithContext(ctx).Model(&auditlog.AutomationExecutionLog{}).Where("status = ?", types.ExecutionFailed).Count(&failedRows)
	sim.db.WithContext(ctx).Model(&auditlog.AutomationExecutionLog{}).Where("status = ?", types.ExecutionSkipped).Count(&skippedRows)

	var placed int64
	sim.db.WithContext(ctx).Model(&orders.Order{}).Count(&placed)

	var fired int64
	sim.db.WithContext(ctx).Model(&rules.TriggerOrder{}).Where("status = ?", rules.TriggerOrderExecuted).Count(&fired)

	fmt.Printf("\nSimulation finished in %v\n", elapsed)
	fmt.Printf("Clients: %d, scheduler instances: %d\n", len(sim.clients), len(sim.workers))
	fmt.Println("\nCycle durations")
	fmt.Printf("  cycles: %d  min: %v  max: %v  mean: %v  median: %v  p95: %v\n",
		len(stats.durations), min, max, mean, median, p95)
	fmt.Println("\nRule outcomes")
	fmt.Printf("  due: %d  succeeded: %d  failed: %d  skipped: %d  contended: %d  idle: %d\n",
		stats.report.Due, stats.report.Succeeded, stats.report.Failed, stats.report.Skipped,
		stats.report.Contended, stats.report.Idle)
	fmt.Printf("  expired: %d  completed: %d  trigger orders fired: %d\n",
		stats.report.Expired, stats.report.Completed, fired)
	fmt.Println("\nAudit log")
	fmt.Printf("  rows: %d  success: %d  failed: %d  skipped: %d  orders placed: %d\n",
		logRows, successRows, failedRows, skippedRows, placed)
}
