package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/datafile"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/factor"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
)

// ErrNoSubscriptions is returned when a feed is built with nothing to read.
var ErrNoSubscriptions = errors.New("no subscriptions")

// farFuture is the watermark published once production is complete.
var farFuture = time.Unix(0, math.MaxInt64)

// Sink receives the feed's run-level notifications.
type Sink interface {
	SamplePerformance(t time.Time, value float64)
	DebugMessage(msg string)
	ErrorMessage(msg string)
}

// Config holds the run window and flow-control settings of a feed.
type Config struct {
	Start        time.Time // first date, inclusive
	End          time.Time // last date, inclusive
	Location     *time.Location
	Capacity     int // total batches across all bridges
	IncludeTicks bool
	PollInterval time.Duration
}

// fillState is the fill-forward bookkeeping of one subscription.
type fillState struct {
	base domain.DataPoint
	has  bool
	next time.Time // next timestamp eligible for synthesis

	held    domain.DataPoint // out-of-session point not yet in effect
	hasHeld bool
}

// DataFeed drives every subscription through the run window a trading day at
// a time and publishes batches into per-subscription bridges.
type DataFeed struct {
	cfg       Config
	secs      []*security.Security
	readers   []*SubscriptionReader
	bridges   []*Bridge
	fills     []fillState
	notify    *notifier
	sink      Sink
	increment time.Duration
	span      time.Duration // one bridge's worth of the finest fill-forward increment
	filling   bool
	log       *slog.Logger

	frontier     atomic.Int64
	eob          []atomic.Bool
	endOfBridges atomic.Bool
	exit         atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a feed over secs in subscription order. sink and factors may
// be nil.
func New(cfg Config, secs []*security.Security, resolver SourceResolver, factors *factor.Provider, sink Sink) (*DataFeed, error) {
	if len(secs) == 0 {
		return nil, ErrNoSubscriptions
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = len(secs)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	cfg.Start = midnight(cfg.Start, cfg.Location)
	cfg.End = midnight(cfg.End, cfg.Location)
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("end date %s before start date %s",
			cfg.End.Format(time.DateOnly), cfg.Start.Format(time.DateOnly))
	}

	inc, err := globalIncrement(secs, cfg.IncludeTicks)
	if err != nil {
		return nil, err
	}

	f := &DataFeed{
		cfg:       cfg,
		secs:      secs,
		readers:   make([]*SubscriptionReader, len(secs)),
		bridges:   make([]*Bridge, len(secs)),
		fills:     make([]fillState, len(secs)),
		eob:       make([]atomic.Bool, len(secs)),
		notify:    newNotifier(),
		sink:      sink,
		increment: inc,
		log:       slog.Default().With("component", "feed"),
	}

	share := max(1, cfg.Capacity/len(secs))
	windowEnd := cfg.End.AddDate(0, 0, 1)
	for i, sec := range secs {
		f.readers[i] = NewSubscriptionReader(sec, resolver, factors, cfg.Start, windowEnd)
		f.bridges[i] = NewBridge(share, f.notify, cfg.PollInterval)
		f.eob[i].Store(true)
		if d := sec.Config.Increment; sec.Config.FillForward && d > 0 && (f.span == 0 || d < f.span) {
			f.span = d
		}
	}
	f.filling = f.span > 0
	f.span *= time.Duration(share)
	f.frontier.Store(cfg.Start.UnixNano())
	return f, nil
}

// globalIncrement is the finest increment among the subscriptions.
func globalIncrement(secs []*security.Security, includeTicks bool) (time.Duration, error) {
	tick := time.Second
	if includeTicks {
		tick = time.Millisecond
	}
	var inc time.Duration
	for _, sec := range secs {
		cfg := sec.Config
		if _, err := domain.ParseResolution(string(cfg.Resolution)); err != nil {
			return 0, fmt.Errorf("subscription %s: %w", cfg, err)
		}
		d := cfg.Increment
		if cfg.Resolution == domain.ResolutionTick {
			d = tick
		}
		if d <= 0 {
			return 0, fmt.Errorf("subscription %s: %w: zero increment", cfg, domain.ErrInvalidSubscription)
		}
		if inc == 0 || d < inc {
			inc = d
		}
	}
	return inc, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Subscriptions returns the subscription configs in bridge order.
func (f *DataFeed) Subscriptions() []*domain.SubscriptionConfig {
	out := make([]*domain.SubscriptionConfig, len(f.secs))
	for i, s := range f.secs {
		out[i] = s.Config
	}
	return out
}

// Bridge returns the bridge of subscription i.
func (f *DataFeed) Bridge(i int) *Bridge { return f.bridges[i] }

// Bridges returns the number of bridges.
func (f *DataFeed) Bridges() int { return len(f.bridges) }

// IsEndOfBridge reports whether subscription i has no more data for the
// current day.
func (f *DataFeed) IsEndOfBridge(i int) bool { return f.eob[i].Load() }

// EndOfBridgeFlags returns a snapshot of the per-subscription end flags.
func (f *DataFeed) EndOfBridgeFlags() []bool {
	out := make([]bool, len(f.eob))
	for i := range f.eob {
		out[i] = f.eob[i].Load()
	}
	return out
}

// EndOfBridges reports that production is complete and every bridge has
// been drained, or that the feed was told to exit.
func (f *DataFeed) EndOfBridges() bool { return f.endOfBridges.Load() }

// LoadedDataFrontier returns the time before which every subscription's
// data has been published.
func (f *DataFeed) LoadedDataFrontier() time.Time {
	return time.Unix(0, f.frontier.Load()).In(f.cfg.Location)
}

// Increment returns the global scan increment.
func (f *DataFeed) Increment() time.Duration { return f.increment }

// Changed returns a channel closed on the next state change of any bridge
// or of the feed.
func (f *DataFeed) Changed() <-chan struct{} { return f.notify.C() }

// Location returns the run time zone.
func (f *DataFeed) Location() *time.Location { return f.cfg.Location }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Exit stops production and discards all queued data.
func (f *DataFeed) Exit() {
	f.exit.Store(true)
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
	f.PurgeData()
	f.endOfBridges.Store(true)
	f.notify.Broadcast()
}

// PurgeData drops every queued batch.
func (f *DataFeed) PurgeData() {
	for _, b := range f.bridges {
		b.Purge()
	}
}

// Run produces the whole window. It returns nil when the window is
// exhausted or Exit was called, and the context error on cancellation.
func (f *DataFeed) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	if f.exit.Load() {
		return nil
	}

	f.log.Info("feed started",
		"start", f.cfg.Start.Format(time.DateOnly),
		"end", f.cfg.End.Format(time.DateOnly),
		"subscriptions", len(f.secs),
		"increment", f.increment)

	for date := f.cfg.Start; !date.After(f.cfg.End); date = date.AddDate(0, 0, 1) {
		if err := f.runDay(ctx, date); err != nil {
			return f.stopped(ctx, err)
		}
	}

	f.publishFrontier(farFuture)
	if err := f.waitForDrain(ctx); err != nil {
		return f.stopped(ctx, err)
	}
	f.endOfBridges.Store(true)
	f.notify.Broadcast()
	f.log.Info("feed finished")
	return nil
}

func (f *DataFeed) stopped(ctx context.Context, err error) error {
	if f.exit.Load() {
		f.PurgeData()
		return nil
	}
	if ctx.Err() != nil {
		f.PurgeData()
		f.endOfBridges.Store(true)
		f.notify.Broadcast()
	}
	return err
}

func (f *DataFeed) runDay(ctx context.Context, date time.Time) error {
	nextDay := date.AddDate(0, 0, 1)

	if !f.tradeable(date) {
		if err := f.fillAll(ctx, nextDay); err != nil {
			return err
		}
		f.publishFrontier(nextDay)
		return nil
	}
	if err := f.waitForRoom(ctx); err != nil {
		return err
	}

	pending := f.refreshDay(ctx, date)
	if err := f.drainDay(ctx, date, pending); err != nil {
		return err
	}

	if err := f.fillAll(ctx, nextDay); err != nil {
		return err
	}
	f.publishFrontier(nextDay)
	return nil
}

func (f *DataFeed) tradeable(date time.Time) bool {
	for _, s := range f.secs {
		if s.Exchange.DateIsOpen(date) {
			return true
		}
	}
	return false
}

// refreshDay opens every reader on date and primes it with its first point.
// The returned slice marks readers holding an unconsumed point.
func (f *DataFeed) refreshDay(ctx context.Context, date time.Time) []bool {
	pending := make([]bool, len(f.readers))
	missing := false
	for i, r := range f.readers {
		ok := r.RefreshSource(ctx, date) && r.MoveNext()
		f.takeHeld(i)
		pending[i] = ok
		f.eob[i].Store(!ok)

		if err := r.Err(); err != nil {
			missing = true
			msg := fmt.Sprintf("no data for %s on %s: %v", r.Config(), date.Format(time.DateOnly), err)
			if f.sink != nil {
				if errors.Is(err, datafile.ErrSourceNotFound) {
					f.sink.DebugMessage(msg)
				} else {
					f.sink.ErrorMessage(msg)
				}
			}
		}
	}
	if missing && f.sink != nil {
		f.sink.SamplePerformance(date, 0)
	}
	f.notify.Broadcast()
	return pending
}

// drainDay moves the day's points into the bridges, advancing a local
// frontier and publishing it as the loaded-data watermark after each pass.
// While anything fills forward the frontier jumps at most one span, so a gap
// is handed over a bridge's worth at a time.
func (f *DataFeed) drainDay(ctx context.Context, date time.Time, pending []bool) error {
	frontier := date
	for f.anyOpen() {
		if f.exit.Load() {
			return context.Canceled
		}
		var earliest time.Time
		for i, r := range f.readers {
			if f.eob[i].Load() {
				if err := f.push(ctx, i, f.fill(i, frontier)); err != nil {
					return err
				}
				continue
			}

			var points []domain.DataPoint
			for pending[i] && r.Current().Time.Before(frontier) {
				p := r.Current()
				points = f.appendReal(i, points, p)
				pending[i] = r.MoveNext()
				f.takeHeld(i)
			}
			limit := frontier
			if pending[i] && r.Current().Time.Before(limit) {
				limit = r.Current().Time
			}
			points = append(points, f.fill(i, limit)...)

			if err := f.push(ctx, i, points); err != nil {
				return err
			}
			if !pending[i] {
				f.eob[i].Store(true)
				f.notify.Broadcast()
				continue
			}
			if t := r.Current().Time; earliest.IsZero() || t.Before(earliest) {
				earliest = t
			}
		}

		f.publishFrontier(frontier)
		next := frontier.Add(f.increment)
		if earliest.After(frontier) {
			next = earliest
			if limit := frontier.Add(f.span); f.filling && next.After(limit) {
				next = limit
			}
		}
		frontier = next
	}
	return nil
}

func (f *DataFeed) anyOpen() bool {
	for i := range f.eob {
		if !f.eob[i].Load() {
			return true
		}
	}
	return false
}

// push groups points by timestamp and pushes one batch per timestamp.
func (f *DataFeed) push(ctx context.Context, i int, points []domain.DataPoint) error {
	for start := 0; start < len(points); {
		end := start + 1
		for end < len(points) && points[end].Time.Equal(points[start].Time) {
			end++
		}
		batch := Batch{Time: points[start].Time, Points: points[start:end:end]}
		if err := f.bridges[i].Push(ctx, batch); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// publishFrontier raises the loaded-data watermark. It never moves back.
func (f *DataFeed) publishFrontier(t time.Time) {
	n := t.UnixNano()
	for {
		cur := f.frontier.Load()
		if n <= cur {
			return
		}
		if f.frontier.CompareAndSwap(cur, n) {
			f.notify.Broadcast()
			return
		}
	}
}

// waitForRoom blocks until some bridge can take a batch.
func (f *DataFeed) waitForRoom(ctx context.Context) error {
	for {
		wait := f.notify.C()
		for _, b := range f.bridges {
			if !b.IsFull() {
				return nil
			}
		}
		if err := f.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// waitForDrain blocks until the consumer has emptied every bridge.
func (f *DataFeed) waitForDrain(ctx context.Context) error {
	for {
		wait := f.notify.C()
		drained := true
		for _, b := range f.bridges {
			if b.Len() > 0 {
				drained = false
				break
			}
		}
		if drained {
			return nil
		}
		if err := f.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (f *DataFeed) sleep(ctx context.Context, wait <-chan struct{}) error {
	if f.exit.Load() {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wait:
	case <-time.After(f.cfg.PollInterval):
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fill-forward
// ---------------------------------------------------------------------------

// appendReal adds a real point, filling the gap before it first.
func (f *DataFeed) appendReal(i int, points []domain.DataPoint, p domain.DataPoint) []domain.DataPoint {
	points = append(points, f.fill(i, p.Time)...)
	points = append(points, p)

	st := &f.fills[i]
	st.base = p
	st.has = true
	st.next = step(f.secs[i].Config, p.Time)
	if st.hasHeld && !st.held.Time.After(p.Time) {
		st.held, st.hasHeld = domain.DataPoint{}, false
	}
	return points
}

// takeHeld moves the reader's latest out-of-session point into the fill
// state.
func (f *DataFeed) takeHeld(i int) {
	if p, ok := f.readers[i].TakeOutOfSession(); ok {
		st := &f.fills[i]
		st.held, st.hasHeld = p, true
	}
}

// fill synthesizes points for subscription i at its own increment from the
// last known value up to, not including, limit.
func (f *DataFeed) fill(i int, limit time.Time) []domain.DataPoint {
	cfg := f.secs[i].Config
	st := &f.fills[i]
	if !cfg.FillForward || cfg.Increment <= 0 {
		return nil
	}
	if !st.has && st.hasHeld {
		st.base, st.has, st.hasHeld = st.held, true, false
		st.next = step(cfg, st.base.Time)
	}
	if !st.has {
		return nil
	}

	var out []domain.DataPoint
	for t := st.next; t.Before(limit); t = step(cfg, t) {
		if st.hasHeld && !t.Before(st.held.Time) {
			st.base, st.hasHeld = st.held, false
		}
		if f.fillable(i, t) {
			out = append(out, st.base.CloneAt(t))
		}
		st.next = step(cfg, t)
	}
	return out
}

// step returns the next fill-forward timestamp after t. Daily steps follow
// the calendar so they stay at midnight across DST changes.
func step(cfg *domain.SubscriptionConfig, t time.Time) time.Time {
	if cfg.Resolution == domain.ResolutionDaily {
		return t.AddDate(0, 0, 1)
	}
	return t.Add(cfg.Increment)
}

// fillable reports whether a synthetic point may be placed at t. Bounds use
// the subscription's own extended-hours flag.
func (f *DataFeed) fillable(i int, t time.Time) bool {
	sec := f.secs[i]
	switch {
	case sec.Config.Resolution == domain.ResolutionDaily:
		return sec.Exchange.DateIsOpen(t)
	case sec.Config.ExtendedHours:
		return sec.Exchange.DateTimeIsExtendedOpen(t)
	default:
		return sec.Exchange.DateTimeIsOpen(t)
	}
}

// fillAll extends every subscription's fill-forward up to limit. It is only
// called once the day's real data is out, and it advances one span at a
// time, publishing the watermark after each so the consumer never holds more
// than a bridge's worth of synthetic slices.
func (f *DataFeed) fillAll(ctx context.Context, limit time.Time) error {
	if !f.filling {
		return nil
	}
	for lo := f.LoadedDataFrontier(); lo.Before(limit); {
		if f.exit.Load() {
			return context.Canceled
		}
		hi := lo.Add(f.span)
		if hi.After(limit) {
			hi = limit
		}
		for i := range f.secs {
			if err := f.push(ctx, i, f.fill(i, hi)); err != nil {
				return err
			}
		}
		f.publishFrontier(hi)
		lo = hi
	}
	return nil
}

func midnight(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
