package engine

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler fires time-based events as simulated time advances.
type Scheduler struct {
	mu     sync.Mutex
	events eventHeap
	seq    int
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

type event struct {
	name   string
	at     time.Time
	period time.Duration
	fn     func(time.Time)
	seq    int
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// At schedules fn once at t.
func (s *Scheduler) At(name string, t time.Time, fn func(time.Time)) {
	s.add(&event{name: name, at: t, fn: fn})
}

// Every schedules fn at first and then every period.
func (s *Scheduler) Every(name string, first time.Time, period time.Duration, fn func(time.Time)) {
	s.add(&event{name: name, at: first, period: period, fn: fn})
}

func (s *Scheduler) add(e *event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.seq = s.seq
	heap.Push(&s.events, e)
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// SetTime fires, in time order, every event due at or before t. Each
// event receives its own scheduled time.
func (s *Scheduler) SetTime(t time.Time) {
	for {
		s.mu.Lock()
		if len(s.events) == 0 || s.events[0].at.After(t) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.events).(*event)
		if e.period > 0 {
			next := *e
			next.at = e.at.Add(e.period)
			s.seq++
			next.seq = s.seq
			heap.Push(&s.events, &next)
		}
		s.mu.Unlock()

		e.fn(e.at)
	}
}
