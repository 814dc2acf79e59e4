// Package feed produces time-ordered market data for a backtest: it reads
// each subscription's daily source, synthesizes fill-forward points and
// hands batches to the consumer through bounded per-subscription bridges.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

var (
	// ErrBridgeFull is returned by TryPush when the bridge is at capacity.
	ErrBridgeFull = errors.New("bridge full")
	// ErrBridgeClosed is returned when pushing to a closed bridge.
	ErrBridgeClosed = errors.New("bridge closed")
)

// Batch is the group of points of one subscription sharing a timestamp.
// Ownership of Points passes to whoever pops the batch.
type Batch struct {
	Time   time.Time
	Points []domain.DataPoint
}

// ---------------------------------------------------------------------------
// notifier
// ---------------------------------------------------------------------------

// notifier is a broadcast condition: every Broadcast wakes all goroutines
// holding the channel returned by C before it.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// C returns a channel that is closed on the next Broadcast.
func (n *notifier) C() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Broadcast wakes all current waiters.
func (n *notifier) Broadcast() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

// Bridge is a bounded FIFO of batches for one subscription. The producer
// pushes and the consumer peeks and pops; state changes are broadcast on the
// notifier shared with the rest of the feed.
type Bridge struct {
	mu     sync.Mutex
	buf    []Batch
	head   int
	size   int
	closed bool

	notify *notifier
	poll   time.Duration
}

// NewBridge returns an empty bridge holding at most capacity batches. A nil
// notifier gets a private one.
func NewBridge(capacity int, n *notifier, poll time.Duration) *Bridge {
	if capacity < 1 {
		capacity = 1
	}
	if n == nil {
		n = newNotifier()
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Bridge{buf: make([]Batch, capacity), notify: n, poll: poll}
}

// Push appends b, blocking while the bridge is full. It re-checks at least
// every poll interval and returns early on ctx cancellation or Close.
func (br *Bridge) Push(ctx context.Context, b Batch) error {
	for {
		err := br.TryPush(b)
		if !errors.Is(err, ErrBridgeFull) {
			return err
		}
		wait := br.notify.C()
		// a pop may have landed between TryPush and C
		if !br.IsFull() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		case <-time.After(br.poll):
		}
	}
}

// TryPush appends b or returns ErrBridgeFull without blocking.
func (br *Bridge) TryPush(b Batch) error {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return ErrBridgeClosed
	}
	if br.size == len(br.buf) {
		br.mu.Unlock()
		return ErrBridgeFull
	}
	br.buf[(br.head+br.size)%len(br.buf)] = b
	br.size++
	br.mu.Unlock()

	br.notify.Broadcast()
	return nil
}

// Peek returns the oldest batch without removing it.
func (br *Bridge) Peek() (Batch, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.size == 0 {
		return Batch{}, false
	}
	return br.buf[br.head], true
}

// Pop removes and returns the oldest batch.
func (br *Bridge) Pop() (Batch, bool) {
	br.mu.Lock()
	if br.size == 0 {
		br.mu.Unlock()
		return Batch{}, false
	}
	b := br.buf[br.head]
	br.buf[br.head] = Batch{}
	br.head = (br.head + 1) % len(br.buf)
	br.size--
	br.mu.Unlock()

	br.notify.Broadcast()
	return b, true
}

// Len returns the number of queued batches.
func (br *Bridge) Len() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.size
}

// Cap returns the capacity in batches.
func (br *Bridge) Cap() int {
	return len(br.buf)
}

// IsFull reports whether a push would block.
func (br *Bridge) IsFull() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.size == len(br.buf)
}

// Purge drops every queued batch.
func (br *Bridge) Purge() {
	br.mu.Lock()
	for i := range br.buf {
		br.buf[i] = Batch{}
	}
	br.head, br.size = 0, 0
	br.mu.Unlock()

	br.notify.Broadcast()
}

// Close rejects further pushes. Queued batches remain poppable.
func (br *Bridge) Close() {
	br.mu.Lock()
	br.closed = true
	br.mu.Unlock()

	br.notify.Broadcast()
}
