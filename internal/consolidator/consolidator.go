// Package consolidator aggregates a subscription's data into longer bars.
package consolidator

import (
	"sync"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
)

var _ security.Consolidator = (*PeriodConsolidator)(nil)

// PeriodConsolidator builds one bar per period from bars or ticks and hands
// each finished bar to its callback when the next period starts.
type PeriodConsolidator struct {
	period  time.Duration
	onBar   func(domain.Bar)
	mu      sync.Mutex
	working domain.Bar
	has     bool
	last    domain.Bar
	hasLast bool
}

// NewPeriodConsolidator returns a consolidator for period. Periods of a day
// or longer start at local midnight.
func NewPeriodConsolidator(period time.Duration, onBar func(domain.Bar)) *PeriodConsolidator {
	return &PeriodConsolidator{period: period, onBar: onBar}
}

// Update adds p to the working bar, emitting the previous bar first when p
// opens a new period. Custom data is ignored.
func (c *PeriodConsolidator) Update(p domain.DataPoint) {
	var o, h, l, cl float64
	var volume int64
	switch p.Kind {
	case domain.KindBar:
		o, h, l, cl, volume = p.Bar.Open, p.Bar.High, p.Bar.Low, p.Bar.Close, p.Bar.Volume
	case domain.KindTick:
		o, h, l, cl, volume = p.Value, p.Value, p.Value, p.Value, int64(p.Tick.Quantity)
	default:
		return
	}
	if p.FillForward {
		volume = 0
	}

	start := c.periodStart(p.Time)

	c.mu.Lock()
	var done domain.Bar
	emit := false
	if c.has && start.After(c.working.Timestamp) {
		done, emit = c.working, true
		c.last, c.hasLast = c.working, true
		c.has = false
	}
	if !c.has {
		c.working = domain.Bar{Symbol: p.Symbol, Timestamp: start, Open: o, High: h, Low: l, Close: cl, Volume: volume}
		c.has = true
	} else {
		c.working.High = max(c.working.High, h)
		c.working.Low = min(c.working.Low, l)
		c.working.Close = cl
		c.working.Volume += volume
	}
	c.mu.Unlock()

	if emit && c.onBar != nil {
		c.onBar(done)
	}
}

// Consolidated returns the most recently finished bar.
func (c *PeriodConsolidator) Consolidated() (domain.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

func (c *PeriodConsolidator) periodStart(t time.Time) time.Time {
	if c.period >= 24*time.Hour {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	return t.Truncate(c.period)
}
