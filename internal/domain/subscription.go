package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SecurityType is the asset class of a subscription.
type SecurityType string

const (
	SecurityTypeEquity SecurityType = "equity"
	SecurityTypeForex  SecurityType = "forex"
	// SecurityTypeBase is user-defined custom data.
	SecurityTypeBase SecurityType = "base"
)

// Resolution is the sampling granularity of a subscription.
type Resolution string

const (
	ResolutionTick   Resolution = "tick"
	ResolutionSecond Resolution = "second"
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDaily  Resolution = "daily"
)

var (
	ErrUnknownResolution   = errors.New("unknown resolution")
	ErrUnknownSecurityType = errors.New("unknown security type")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// ParseResolution converts a configuration string into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolutionTick, ResolutionSecond, ResolutionMinute, ResolutionHour, ResolutionDaily:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResolution, s)
	}
}

// ParseSecurityType converts a configuration string into a SecurityType.
func ParseSecurityType(s string) (SecurityType, error) {
	switch st := SecurityType(strings.ToLower(strings.TrimSpace(s))); st {
	case SecurityTypeEquity, SecurityTypeForex, SecurityTypeBase:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSecurityType, s)
	}
}

// Increment returns the bar period of the resolution. Ticks have no natural
// period and report zero.
func (r Resolution) Increment() time.Duration {
	switch r {
	case ResolutionSecond:
		return time.Second
	case ResolutionMinute:
		return time.Minute
	case ResolutionHour:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// IsIntraday reports whether bars of this resolution fall inside a session.
func (r Resolution) IsIntraday() bool {
	return r == ResolutionSecond || r == ResolutionMinute || r == ResolutionHour
}

// ---------------------------------------------------------------------------
// SubscriptionConfig
// ---------------------------------------------------------------------------

// SubscriptionConfig describes one requested data stream. The immutable
// fields are set at construction. The price scale factor and mapped symbol
// change at most once per trading day; the producer writes them and the
// consumer reads them, so they sit behind a lock.
type SubscriptionConfig struct {
	Symbol        string
	SecurityType  SecurityType
	Market        Market
	Resolution    Resolution
	FillForward   bool
	ExtendedHours bool
	Increment     time.Duration

	mu           sync.RWMutex
	scaleFactor  float64
	mappedSymbol string
}

// NewSubscriptionConfig validates the arguments and returns a config whose
// daily fields start at a scale factor of 1 and the original symbol.
func NewSubscriptionConfig(symbol string, st SecurityType, market Market, res Resolution, fillForward, extendedHours bool) (*SubscriptionConfig, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidSubscription)
	}
	if _, err := ParseSecurityType(string(st)); err != nil {
		return nil, err
	}
	if _, err := ParseResolution(string(res)); err != nil {
		return nil, err
	}
	if res == ResolutionTick && fillForward {
		return nil, fmt.Errorf("%w: %s: tick subscriptions cannot fill forward", ErrInvalidSubscription, symbol)
	}
	return &SubscriptionConfig{
		Symbol:        symbol,
		SecurityType:  st,
		Market:        market,
		Resolution:    res,
		FillForward:   fillForward,
		ExtendedHours: extendedHours,
		Increment:     res.Increment(),
		scaleFactor:   1,
		mappedSymbol:  symbol,
	}, nil
}

// SetDailyFactors records the corporate-action adjustments for the day being
// loaded.
func (c *SubscriptionConfig) SetDailyFactors(scale float64, mapped string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scale <= 0 {
		scale = 1
	}
	if mapped == "" {
		mapped = c.Symbol
	}
	c.scaleFactor = scale
	c.mappedSymbol = mapped
}

// PriceScaleFactor returns the current price adjustment multiplier.
func (c *SubscriptionConfig) PriceScaleFactor() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.scaleFactor == 0 {
		return 1
	}
	return c.scaleFactor
}

// MappedSymbol returns the ticker under which the symbol's files are stored
// for the current day.
func (c *SubscriptionConfig) MappedSymbol() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mappedSymbol == "" {
		return c.Symbol
	}
	return c.mappedSymbol
}

// DataKind returns the union variant this subscription produces.
func (c *SubscriptionConfig) DataKind() DataKind {
	switch {
	case c.SecurityType == SecurityTypeBase:
		return KindCustom
	case c.Resolution == ResolutionTick:
		return KindTick
	default:
		return KindBar
	}
}

func (c *SubscriptionConfig) String() string {
	return fmt.Sprintf("%s/%s/%s", c.SecurityType, c.Resolution, c.Symbol)
}
