package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/datafile"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/factor"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
)

// SubscriptionReader walks one subscription's data a day at a time. It is
// owned by the producer goroutine and is not safe for concurrent use.
type SubscriptionReader struct {
	sec      *security.Security
	cfg      *domain.SubscriptionConfig
	resolver SourceResolver
	factors  *factor.Provider
	start    time.Time
	end      time.Time // exclusive
	log      *slog.Logger

	source Source
	date   time.Time
	err    error

	current     domain.DataPoint
	previous    domain.DataPoint
	hasCurrent  bool
	lastReal    domain.DataPoint
	hasLastReal bool
	closeFilled bool
	endOfStream bool

	outOfSession    domain.DataPoint
	hasOutOfSession bool
}

// NewSubscriptionReader returns a reader admitting points in [start, end).
// factors may be nil for unadjusted prices.
func NewSubscriptionReader(sec *security.Security, resolver SourceResolver, factors *factor.Provider, start, end time.Time) *SubscriptionReader {
	return &SubscriptionReader{
		sec:         sec,
		cfg:         sec.Config,
		resolver:    resolver,
		factors:     factors,
		start:       start,
		end:         end,
		endOfStream: true,
		log:         slog.Default().With("component", "reader", "subscription", sec.Config.String()),
	}
}

// RefreshSource opens the source for date. It returns false, leaving the
// reader at end of stream for the day, when the exchange is closed or the
// source cannot be opened; Err reports the latter.
func (r *SubscriptionReader) RefreshSource(ctx context.Context, date time.Time) bool {
	r.closeSource()
	r.date = date
	r.err = nil
	r.closeFilled = false
	r.hasLastReal = false
	r.endOfStream = true

	if !r.sec.Exchange.DateIsOpen(date) {
		return false
	}

	if r.cfg.SecurityType == domain.SecurityTypeEquity && r.factors != nil {
		scale, mapped := r.factors.Lookup(r.cfg.Symbol, date)
		r.cfg.SetDailyFactors(scale, mapped)
	}

	src, err := r.resolver.Open(ctx, r.cfg, date)
	if err != nil {
		r.err = err
		if !errors.Is(err, datafile.ErrSourceNotFound) {
			r.log.Warn("open source failed", "date", date.Format(time.DateOnly), "error", err)
		}
		return false
	}
	r.source = src
	r.endOfStream = false
	return true
}

// MoveNext advances to the next admitted point. Once it returns false it
// keeps returning false until the next refresh, leaving Current and
// Previous untouched.
func (r *SubscriptionReader) MoveNext() bool {
	if r.endOfStream {
		return false
	}

	for {
		p, err := r.source.Next()
		if errors.Is(err, io.EOF) {
			return r.finish()
		}
		if err != nil {
			r.log.Debug("skipping record", "error", err)
			continue
		}
		if p.Time.Before(r.start) {
			continue
		}
		if !p.Time.Before(r.end) {
			return r.finish()
		}
		if r.sec.Filter != nil && !r.sec.Filter.Filter(r.sec, p) {
			continue
		}

		p = p.Scale(r.cfg.PriceScaleFactor())

		if r.gated() && !r.MarketOpen(p.Time) {
			r.outOfSession = p
			r.hasOutOfSession = true
			continue
		}

		r.advance(p)
		r.lastReal = p
		r.hasLastReal = true
		return true
	}
}

// finish handles exhaustion of the day's source. With fill-forward on an
// intraday subscription it first yields one clone of the last real point
// at the session close.
func (r *SubscriptionReader) finish() bool {
	if r.cfg.FillForward && r.cfg.Resolution.IsIntraday() && r.hasLastReal && !r.closeFilled {
		r.closeFilled = true
		closeAt := r.sec.Exchange.MarketClose(r.date, r.cfg.ExtendedHours)
		if r.lastReal.Time.Before(closeAt) && closeAt.Before(r.end) {
			r.advance(r.lastReal.CloneAt(closeAt))
			return true
		}
	}
	r.endOfStream = true
	r.closeSource()
	return false
}

func (r *SubscriptionReader) advance(p domain.DataPoint) {
	if r.hasCurrent {
		r.previous = r.current
	}
	r.current = p
	r.hasCurrent = true
}

// gated reports whether points outside the regular session are held back.
func (r *SubscriptionReader) gated() bool {
	if r.cfg.ExtendedHours || r.cfg.Resolution == domain.ResolutionDaily {
		return false
	}
	return r.cfg.SecurityType != domain.SecurityTypeBase
}

func (r *SubscriptionReader) closeSource() {
	if r.source == nil {
		return
	}
	if err := r.source.Close(); err != nil {
		r.log.Debug("closing source", "error", err)
	}
	r.source = nil
}

// Current returns the latest admitted point.
func (r *SubscriptionReader) Current() domain.DataPoint { return r.current }

// Previous returns the point admitted before Current.
func (r *SubscriptionReader) Previous() domain.DataPoint { return r.previous }

// EndOfStream reports whether the day's data is exhausted.
func (r *SubscriptionReader) EndOfStream() bool { return r.endOfStream }

// Err returns the error that prevented the last refresh from opening a
// source, if any.
func (r *SubscriptionReader) Err() error { return r.err }

// Config returns the subscription config.
func (r *SubscriptionReader) Config() *domain.SubscriptionConfig { return r.cfg }

// TakeOutOfSession returns and clears the latest point held back for being
// outside the regular session.
func (r *SubscriptionReader) TakeOutOfSession() (domain.DataPoint, bool) {
	if !r.hasOutOfSession {
		return domain.DataPoint{}, false
	}
	p := r.outOfSession
	r.outOfSession = domain.DataPoint{}
	r.hasOutOfSession = false
	return p, true
}

// MarketOpen reports whether the regular session is open at t.
func (r *SubscriptionReader) MarketOpen(t time.Time) bool {
	return r.sec.Exchange.DateTimeIsOpen(t)
}

// ExtendedMarketOpen reports whether the extended session is open at t.
func (r *SubscriptionReader) ExtendedMarketOpen(t time.Time) bool {
	return r.sec.Exchange.DateTimeIsExtendedOpen(t)
}
