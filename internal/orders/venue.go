package orders

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue is a simulated order destination such as a fund house or registrar
type Venue struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of a successful placement
	FeeRate     decimal.Decimal
}

// DefaultVenues is the simulated routing table
func DefaultVenues() []*Venue {
	return []*Venue{
		{
			ID:          "RTA1",
			Name:        "Primary Registrar",
			MinLatency:  5,
			MaxLatency:  30,
			SuccessRate: 0.97,
			FeeRate:     decimal.NewFromFloat(0.0005),
		},
		{
			ID:          "RTA2",
			Name:        "Secondary Registrar",
			MinLatency:  10,
			MaxLatency:  50,
			SuccessRate: 0.92,
			FeeRate:     decimal.NewFromFloat(0.0003),
		},
		{
			ID:          "AMC_DIRECT",
			Name:        "Fund House Direct",
			MinLatency:  20,
			MaxLatency:  80,
			SuccessRate: 0.85,
			FeeRate:     decimal.Zero,
		},
	}
}

// Router places orders on simulated venues
type Router struct {
	venues   []*Venue
	attempts int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRouter(venues []*Venue, seed int64) *Router {
	return &Router{
		venues:   venues,
		attempts: 3,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

func (r *Router) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

func (r *Router) float() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// place simulates one placement on v. The simulated latency honours ctx.
func (r *Router) place(ctx context.Context, v *Venue, order *Order) (*Fill, error) {
	logger := log.With().
		Str("venue_id", v.ID).
		Str("order_id", order.OrderID).
		Str("order_type", string(order.OrderType)).
		Logger()

	latency := v.MinLatency
	if v.MaxLatency > v.MinLatency {
		latency += r.intn(v.MaxLatency - v.MinLatency + 1)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	if r.float() > v.SuccessRate {
		logger.Warn().Float64("success_rate", v.SuccessRate).Msg("order rejected by venue")
		return nil, fmt.Errorf("order rejected by venue %s", v.ID)
	}

	fill := &Fill{
		FillID:    fmt.Sprintf("FILL-%s-%d", v.ID, r.intn(1<<30)),
		VenueID:   v.ID,
		VenueName: v.Name,
		FeeRate:   v.FeeRate,
		FeeAmount: order.Amount.Mul(v.FeeRate).Round(4),
		FilledAt:  time.Now().UTC(),
	}
	logger.Info().Str("fill_id", fill.FillID).Int("latency_ms", latency).Msg("order placed on venue")
	return fill, nil
}

// pick selects a venue weighted by success rate
func (r *Router) pick() *Venue {
	total := 0.0
	for _, v := range r.venues {
		total += v.SuccessRate
	}
	choice := r.float() * total
	current := 0.0
	for _, v := range r.venues {
		current += v.SuccessRate
		if current >= choice {
			return v
		}
	}
	return r.venues[0]
}

// Place tries up to three venues and returns the first fill
func (r *Router) Place(ctx context.Context, order *Order) (*Fill, error) {
	if len(r.venues) == 0 {
		return nil, fmt.Errorf("no venues configured")
	}
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		fill, err := r.place(ctx, r.pick(), order)
		if err == nil {
			return fill, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to place order on any venue: %w", lastErr)
}
