package engine

import (
	"sync"
	"time"
)

// Status is the state of a run.
type Status string

const (
	StatusRunning      Status = "running"
	StatusQuit         Status = "quit"
	StatusStopped      Status = "stopped"
	StatusDeleted      Status = "deleted"
	StatusCompleted    Status = "completed"
	StatusRuntimeError Status = "runtime_error"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Mode selects backtest or live behaviour.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// RunContext is the per-run state shared between the driver and the
// outside world: identity, simulated time, status and the external
// stop and delete signals.
type RunContext struct {
	AlgorithmID string
	Mode        Mode

	mu        sync.RWMutex
	now       time.Time
	status    Status
	requested Status
	signal    chan struct{}
}

// NewRunContext returns a context for a run that has not started.
func NewRunContext(algorithmID string, mode Mode) *RunContext {
	return &RunContext{AlgorithmID: algorithmID, Mode: mode, signal: make(chan struct{})}
}

// Time returns the simulated time.
func (rc *RunContext) Time() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.now
}

// SetTime sets the simulated time.
func (rc *RunContext) SetTime(t time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.now = t
}

// Status returns the current status.
func (rc *RunContext) Status() Status {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.status
}

func (rc *RunContext) setStatus(s Status) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.status = s
}

// Stop asks the driver to end the run as stopped.
func (rc *RunContext) Stop() { rc.request(StatusStopped) }

// Delete asks the driver to end the run as deleted.
func (rc *RunContext) Delete() { rc.request(StatusDeleted) }

// Done returns a channel closed once a stop or delete has been requested.
func (rc *RunContext) Done() <-chan struct{} { return rc.signal }

func (rc *RunContext) request(s Status) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.requested != "" || rc.status.Terminal() {
		return
	}
	rc.requested = s
	close(rc.signal)
}

// Requested returns the pending external request, if any.
func (rc *RunContext) Requested() Status {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.requested
}
