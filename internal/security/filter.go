package security

import "github.com/ydxt25/QuantSystem-sub000/internal/domain"

// DataFilter decides whether a parsed point is admitted into the feed.
type DataFilter interface {
	Filter(sec *Security, p domain.DataPoint) bool
}

// FilterFor returns the default filter for a security type.
func FilterFor(st domain.SecurityType) DataFilter {
	switch st {
	case domain.SecurityTypeEquity:
		return EquityDataFilter{}
	case domain.SecurityTypeForex:
		return ForexDataFilter{}
	default:
		return PassThroughFilter{}
	}
}

// EquityDataFilter drops non-positive prices and ticks flagged suspicious.
type EquityDataFilter struct{}

func (EquityDataFilter) Filter(_ *Security, p domain.DataPoint) bool {
	switch p.Kind {
	case domain.KindBar:
		return p.Bar.Close > 0 && p.Bar.Open > 0 && p.Bar.Low > 0 && p.Bar.High >= p.Bar.Low
	case domain.KindTick:
		return p.Tick.Price > 0 && !p.Tick.Suspicious
	default:
		return true
	}
}

// ForexDataFilter drops quotes with a non-positive side.
type ForexDataFilter struct{}

func (ForexDataFilter) Filter(_ *Security, p domain.DataPoint) bool {
	switch p.Kind {
	case domain.KindBar:
		return p.Bar.Close > 0
	case domain.KindTick:
		return p.Tick.BidPrice > 0 && p.Tick.AskPrice > 0
	default:
		return true
	}
}

// PassThroughFilter admits everything.
type PassThroughFilter struct{}

func (PassThroughFilter) Filter(*Security, domain.DataPoint) bool { return true }

var (
	_ DataFilter = EquityDataFilter{}
	_ DataFilter = ForexDataFilter{}
	_ DataFilter = PassThroughFilter{}
)
