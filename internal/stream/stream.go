// Package stream merges a feed's per-subscription bridges into one
// time-ordered sequence of slices.
package stream

import (
	"container/heap"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/feed"
)

// Wait bounds for the wait-for-data step.
const (
	BacktestTimeout = 3 * time.Second
	LiveTimeout     = 2 * time.Second
)

// Feed is the producer side seen by the synchronizer.
type Feed interface {
	Bridges() int
	Bridge(i int) *feed.Bridge
	IsEndOfBridge(i int) bool
	EndOfBridges() bool
	LoadedDataFrontier() time.Time
	Increment() time.Duration
	Changed() <-chan struct{}
}

var _ Feed = (*feed.DataFeed)(nil)

// Slice is every point sharing one timestamp, keyed by subscription index.
type Slice struct {
	Time time.Time
	Data map[int][]domain.DataPoint
}

// Indices returns the subscription indices present, ascending.
func (s Slice) Indices() []int {
	out := make([]int, 0, len(s.Data))
	for i := range s.Data {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of points in the slice.
func (s Slice) Len() int {
	n := 0
	for _, pts := range s.Data {
		n += len(pts)
	}
	return n
}

// DataStream is the consumer-side synchronizer. A DataStream holds no run
// state and may be reused.
type DataStream struct {
	timeout time.Duration
	log     *slog.Logger
}

// New returns a synchronizer waiting at most timeout for data per step.
func New(timeout time.Duration) *DataStream {
	if timeout <= 0 {
		timeout = BacktestTimeout
	}
	return &DataStream{
		timeout: timeout,
		log:     slog.Default().With("component", "stream"),
	}
}

// GetData buffers the whole run.
func (s *DataStream) GetData(ctx context.Context, f Feed, start time.Time) ([]Slice, error) {
	var out []Slice
	err := s.Stream(ctx, f, start, func(sl Slice) error {
		out = append(out, sl)
		return nil
	})
	return out, err
}

// Stream calls fn with each slice in time order until the feed reports
// end of bridges, fn returns an error or ctx is done. A slice is only
// emitted once its time lies before the feed's loaded-data frontier.
func (s *DataStream) Stream(ctx context.Context, f Feed, start time.Time, fn func(Slice) error) error {
	frontier := start
	acc := newAccumulator()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.EndOfBridges() {
			if err := s.wait(ctx, f, frontier); err != nil {
				return err
			}
		}

		end := f.EndOfBridges()
		watermark := f.LoadedDataFrontier()

		var next time.Time
		for i := 0; i < f.Bridges(); i++ {
			br := f.Bridge(i)
			for {
				b, ok := br.Peek()
				if !ok {
					break
				}
				if b.Time.After(frontier) {
					if next.IsZero() || b.Time.Before(next) {
						next = b.Time
					}
					break
				}
				br.Pop()
				acc.add(i, b)
			}
		}

		switch {
		case !next.IsZero():
			frontier = next
		case frontier.Before(watermark):
			// nothing queued, so nothing lies between frontier and watermark
			frontier = watermark
		default:
			frontier = frontier.Add(f.Increment())
		}

		if end && drained(f) {
			return acc.emit(nil, fn)
		}
		if err := acc.emit(&watermark, fn); err != nil {
			return err
		}
	}
}

// wait blocks until every live bridge has data, a bridge is full or the
// frontier is covered by the feed's watermark, bounded by the timeout.
func (s *DataStream) wait(ctx context.Context, f Feed, frontier time.Time) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		changed := f.Changed()
		if f.EndOfBridges() || ready(f, frontier) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.log.Debug("timed out waiting for data", "frontier", frontier)
			return nil
		case <-changed:
		}
	}
}

func ready(f Feed, frontier time.Time) bool {
	if !frontier.After(f.LoadedDataFrontier()) {
		return true
	}
	live, empty := 0, false
	for i := 0; i < f.Bridges(); i++ {
		br := f.Bridge(i)
		if br.IsFull() {
			// the producer may be blocked on it
			return true
		}
		if f.IsEndOfBridge(i) {
			continue
		}
		live++
		if br.Len() == 0 {
			empty = true
		}
	}
	return live > 0 && !empty
}

func drained(f Feed) bool {
	for i := 0; i < f.Bridges(); i++ {
		if f.Bridge(i).Len() > 0 {
			return false
		}
	}
	return true
}

// accumulator groups popped batches into slices by time. Keys are kept in
// a min-heap so emitting only visits the slices it hands out.
type accumulator struct {
	slices map[int64]*Slice
	keys   keyHeap
}

func newAccumulator() *accumulator {
	return &accumulator{slices: make(map[int64]*Slice)}
}

func (a *accumulator) add(i int, b feed.Batch) {
	k := b.Time.UnixNano()
	sl, ok := a.slices[k]
	if !ok {
		sl = &Slice{Time: b.Time, Data: make(map[int][]domain.DataPoint)}
		a.slices[k] = sl
		heap.Push(&a.keys, k)
	}
	sl.Data[i] = append(sl.Data[i], b.Points...)
}

// Len returns the number of slices held.
func (a *accumulator) Len() int { return len(a.keys) }

// emit passes the slices older than before to fn in time order, or all of
// them when before is nil.
func (a *accumulator) emit(before *time.Time, fn func(Slice) error) error {
	for len(a.keys) > 0 {
		k := a.keys[0]
		sl := a.slices[k]
		if before != nil && !sl.Time.Before(*before) {
			return nil
		}
		heap.Pop(&a.keys)
		delete(a.slices, k)
		if err := fn(*sl); err != nil {
			return err
		}
	}
	return nil
}

type keyHeap []int64

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *keyHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
