// Package strategy defines the Strategy interface for trading strategies,
// a Registry of named strategy factories, the Host that runs a strategy
// inside the engine and the Backtester that wires a complete run.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// ErrUnknownStrategy is returned when no factory is registered for a name.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data, such as registering consolidators on h.
	Init(ctx context.Context, h *Host) error

	// OnBars is called with the bars of one time slice. It returns zero or
	// more trading signals.
	OnBars(ctx context.Context, bars domain.TradeBars) ([]domain.Signal, error)

	// OnTicks is called with the ticks of one time slice.
	OnTicks(ctx context.Context, ticks domain.Ticks) ([]domain.Signal, error)

	// OnData is called once per custom data point.
	OnData(ctx context.Context, p domain.DataPoint) ([]domain.Signal, error)
}

// EndOfDayHandler is implemented by strategies that act on day boundaries.
type EndOfDayHandler interface {
	OnEndOfDay(ctx context.Context, date time.Time) ([]domain.Signal, error)
}

// EndOfAlgorithmHandler is implemented by strategies that clean up when the
// run ends.
type EndOfAlgorithmHandler interface {
	OnEndOfAlgorithm(ctx context.Context) error
}

// Factory builds a strategy from its numeric parameters.
type Factory func(params map[string]float64) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("building strategy %s: %w", name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Param returns params[key] or def when the key is absent.
func Param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
