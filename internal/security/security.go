// Package security models the tradeable instruments of a run: their exchange
// calendar, data filter, last-price cache and the ordered subscription
// registry.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// Exchange answers market-hours questions for one venue.
type Exchange interface {
	DateIsOpen(date time.Time) bool
	DateTimeIsOpen(t time.Time) bool
	DateTimeIsExtendedOpen(t time.Time) bool
	TimeOfDayClosed(t time.Time) bool
	MarketClose(date time.Time, extended bool) time.Time
}

// Consolidator receives every point of the subscription it is registered on.
type Consolidator interface {
	Update(p domain.DataPoint)
}

// Security is one subscribed instrument.
type Security struct {
	Config   *domain.SubscriptionConfig
	Exchange Exchange
	Filter   DataFilter
	Cache    *Cache

	mu            sync.Mutex
	consolidators []Consolidator
}

// New builds a Security with the default filter for its security type.
func New(cfg *domain.SubscriptionConfig, exchange Exchange) *Security {
	return &Security{
		Config:   cfg,
		Exchange: exchange,
		Filter:   FilterFor(cfg.SecurityType),
		Cache:    &Cache{},
	}
}

// Symbol is shorthand for s.Config.Symbol.
func (s *Security) Symbol() string { return s.Config.Symbol }

// AddConsolidator registers c to receive the security's data.
func (s *Security) AddConsolidator(c Consolidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consolidators = append(s.consolidators, c)
}

// Consolidators returns a snapshot of the registered consolidators.
func (s *Security) Consolidators() []Consolidator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Consolidator, len(s.consolidators))
	copy(out, s.consolidators)
	return out
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

// Cache keeps the latest observation of a security. The consumer goroutine
// writes it; the simulated broker reads prices from its own goroutine.
type Cache struct {
	mu      sync.RWMutex
	last    domain.DataPoint
	lastBar domain.Bar
	hasBar  bool
	updated bool
}

// Update records p as the latest observation.
func (c *Cache) Update(p domain.DataPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = p
	c.updated = true
	if p.Kind == domain.KindBar {
		c.lastBar = p.Bar
		c.hasBar = true
	}
}

// Price returns the latest price, or zero when nothing has been seen.
func (c *Cache) Price() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.Value
}

// Last returns the latest observation.
func (c *Cache) Last() (domain.DataPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.updated
}

// LastBar returns the latest bar.
func (c *Cache) LastBar() (domain.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBar, c.hasBar
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager is the ordered subscription registry. Subscription indices are
// positions in this list and stay stable for the run.
type Manager struct {
	mu       sync.RWMutex
	list     []*Security
	bySymbol map[string]*Security
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{bySymbol: make(map[string]*Security)}
}

// Add appends a security and returns its subscription index. The first
// subscription of a symbol is the one returned by BySymbol.
func (m *Manager) Add(sec *Security) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.list {
		if s.Config.String() == sec.Config.String() {
			return -1, fmt.Errorf("duplicate subscription %s", sec.Config)
		}
	}
	m.list = append(m.list, sec)
	if _, ok := m.bySymbol[sec.Symbol()]; !ok {
		m.bySymbol[sec.Symbol()] = sec
	}
	return len(m.list) - 1, nil
}

// Get returns the security at subscription index i.
func (m *Manager) Get(i int) *Security {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.list) {
		return nil
	}
	return m.list[i]
}

// BySymbol returns the primary security for a symbol.
func (m *Manager) BySymbol(symbol string) (*Security, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySymbol[symbol]
	return s, ok
}

// Price returns the latest price of symbol's primary security.
func (m *Manager) Price(symbol string) (float64, bool) {
	s, ok := m.BySymbol(symbol)
	if !ok {
		return 0, false
	}
	px := s.Cache.Price()
	return px, px > 0
}

// Len returns the number of subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.list)
}

// All returns the securities in subscription order.
func (m *Manager) All() []*Security {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Security, len(m.list))
	copy(out, m.list)
	return out
}

// Configs returns the subscription configs in order.
func (m *Manager) Configs() []*domain.SubscriptionConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.SubscriptionConfig, len(m.list))
	for i, s := range m.list {
		out[i] = s.Config
	}
	return out
}

// Symbols returns the distinct symbols in subscription order.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.list {
		if !seen[s.Symbol()] {
			seen[s.Symbol()] = true
			out = append(out, s.Symbol())
		}
	}
	return out
}
