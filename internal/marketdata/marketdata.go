// Package marketdata defines the Value Source the rule engine reads
// observed values from, and an in-process simulated source.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ValueKind names the quantity a condition is evaluated against
type ValueKind string

const (
	KindPrice          ValueKind = "PRICE"
	KindNAV            ValueKind = "NAV"
	KindPortfolioValue ValueKind = "PORTFOLIO_VALUE"
	KindGoalProgress   ValueKind = "GOAL_PROGRESS"
	KindPortfolioDrift ValueKind = "PORTFOLIO_DRIFT"
	KindCashBalance    ValueKind = "CASH_BALANCE"
	KindCustom         ValueKind = "CUSTOM"
)

func (k ValueKind) Valid() bool {
	switch k {
	case KindPrice, KindNAV, KindPortfolioValue, KindGoalProgress, KindPortfolioDrift, KindCashBalance, KindCustom:
		return true
	}
	return false
}

// SchemeScoped kinds are observed per scheme rather than per client
func (k ValueKind) SchemeScoped() bool {
	return k == KindPrice || k == KindNAV || k == KindCustom
}

var ErrNoValue = errors.New("no value available")

// Source supplies current values and allocations
type Source interface {
	CurrentValue(ctx context.Context, kind ValueKind, clientID, schemeID string) (float64, error)
	CurrentAllocation(ctx context.Context, clientID string) (map[string]float64, error)
}

// SimulatedSource is an in-memory Source whose values are set by the caller
type SimulatedSource struct {
	mu          sync.RWMutex
	values      map[string]float64
	allocations map[string]map[string]float64
}

func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{
		values:      make(map[string]float64),
		allocations: make(map[string]map[string]float64),
	}
}

func valueKey(kind ValueKind, clientID, schemeID string) string {
	if kind.SchemeScoped() {
		return fmt.Sprintf("%s|%s", kind, schemeID)
	}
	return fmt.Sprintf("%s|%s", kind, clientID)
}

// SetValue stores a value. Scheme scoped kinds ignore clientID, the rest ignore schemeID.
func (s *SimulatedSource) SetValue(kind ValueKind, clientID, schemeID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[valueKey(kind, clientID, schemeID)] = v
}

// SetBalance is a convenience for CASH_BALANCE
func (s *SimulatedSource) SetBalance(clientID string, balance decimal.Decimal) {
	s.SetValue(KindCashBalance, clientID, "", balance.InexactFloat64())
}

func (s *SimulatedSource) SetAllocation(clientID string, allocation map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]float64, len(allocation))
	for k, v := range allocation {
		copied[k] = v
	}
	s.allocations[clientID] = copied
}

func (s *SimulatedSource) CurrentValue(ctx context.Context, kind ValueKind, clientID, schemeID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[valueKey(kind, clientID, schemeID)]
	if !ok {
		return 0, fmt.Errorf("%s for client %s scheme %s: %w", kind, clientID, schemeID, ErrNoValue)
	}
	return v, nil
}

func (s *SimulatedSource) CurrentAllocation(ctx context.Context, clientID string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	allocation, ok := s.allocations[clientID]
	if !ok {
		return nil, fmt.Errorf("allocation for client %s: %w", clientID, ErrNoValue)
	}
	copied := make(map[string]float64, len(allocation))
	for k, v := range allocation {
		copied[k] = v
	}
	return copied, nil
}
