// Package engine drives a strategy through the synchronized data sequence:
// it advances simulated time, updates securities, dispatches data and
// samples results, and owns the run state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/security"
	"github.com/ydxt25/QuantSystem-sub000/internal/stream"
)

// errHalt ends the slice loop without being an error of the run.
var errHalt = errors.New("halt")

// Algorithm is the strategy side of the driver.
type Algorithm interface {
	SetTime(t time.Time)
	Securities() *security.Manager
	OnBars(ctx context.Context, bars domain.TradeBars) error
	OnTicks(ctx context.Context, ticks domain.Ticks) error
	OnData(ctx context.Context, p domain.DataPoint) error
	OnEndOfDay(ctx context.Context, date time.Time) error
	OnEndOfAlgorithm(ctx context.Context) error
	QuitRequested() bool
	PortfolioValue() float64
	Liquidate(ctx context.Context) error
}

// TransactionHandler processes orders outside the driver loop.
type TransactionHandler interface {
	// WaitReady blocks until every submitted order has been processed or
	// timeout elapses.
	WaitReady(ctx context.Context, timeout time.Duration) error
}

// RealTimeHandler is told about every advance of simulated time.
type RealTimeHandler interface {
	SetTime(t time.Time)
}

// Feed is the producer as the driver sees it.
type Feed interface {
	stream.Feed
	Exit()
}

// Job bundles one run's collaborators.
type Job struct {
	Feed         Feed
	Stream       *stream.DataStream
	Start        time.Time
	Algorithm    Algorithm
	Transactions TransactionHandler
	RealTime     RealTimeHandler
	Results      result.Handler

	SynchronousOrders bool
	OrderTimeout      time.Duration
	SamplePeriod      time.Duration
	LiquidateOnExit   bool
}

// Manager runs one job on the calling goroutine.
type Manager struct {
	rc  *RunContext
	log *slog.Logger
}

// NewManager returns a driver bound to rc.
func NewManager(rc *RunContext) *Manager {
	return &Manager{
		rc:  rc,
		log: slog.Default().With("component", "engine", "algorithm", rc.AlgorithmID),
	}
}

// dayState tracks the values sampled at day boundaries.
type dayState struct {
	date       time.Time
	startValue float64
	lastSample time.Time
}

// Run consumes the data sequence until it is exhausted, the algorithm
// quits, a stop or delete is requested, or an error occurs. It returns the
// terminal status and, for a failed run, the error.
func (m *Manager) Run(ctx context.Context, job Job) (Status, error) {
	if job.SamplePeriod <= 0 {
		job.SamplePeriod = 24 * time.Hour
	}
	if job.OrderTimeout <= 0 {
		job.OrderTimeout = 5 * time.Second
	}

	m.rc.setStatus(StatusRunning)
	job.Results.SendStatusUpdate(string(StatusRunning))

	// external signals must also unblock a driver waiting for data
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.rc.Done():
			job.Feed.Exit()
		case <-runCtx.Done():
		}
	}()

	day := dayState{startValue: job.Algorithm.PortfolioValue()}
	final := StatusCompleted

	err := job.Stream.Stream(runCtx, job.Feed, job.Start, func(sl stream.Slice) error {
		if s := m.rc.Requested(); s != "" {
			final = s
			return errHalt
		}
		return m.step(runCtx, &job, &day, sl, &final)
	})

	switch {
	case errors.Is(err, errHalt) || err == nil:
		if s := m.rc.Requested(); s != "" {
			final = s
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		final = StatusStopped
	default:
		final = StatusRuntimeError
	}
	if final != StatusCompleted {
		job.Feed.Exit()
	}

	if final == StatusRuntimeError {
		job.Results.RuntimeError(err)
		m.finish(job, final)
		return final, err
	}

	if final != StatusDeleted {
		// a stopped or deleted run's context is done; wind down on a fresh one
		endCtx := context.WithoutCancel(ctx)
		if !day.date.IsZero() && m.rc.Mode == ModeBacktest {
			if err := job.Algorithm.OnEndOfDay(endCtx, day.date); err != nil {
				job.Results.ErrorMessage(fmt.Sprintf("end of day: %v", err))
			}
			m.sampleDay(job, &day, day.date)
		}
		if err := job.Algorithm.OnEndOfAlgorithm(endCtx); err != nil {
			job.Results.ErrorMessage(fmt.Sprintf("end of algorithm: %v", err))
		}
		job.Results.ProcessMessages()
		if m.rc.Mode == ModeBacktest || job.LiquidateOnExit {
			if err := job.Algorithm.Liquidate(endCtx); err != nil {
				job.Results.ErrorMessage(fmt.Sprintf("liquidate: %v", err))
			}
		}
	}
	m.finish(job, final)
	return final, nil
}

func (m *Manager) finish(job Job, s Status) {
	m.rc.setStatus(s)
	job.Results.ProcessMessages()
	job.Results.SendStatusUpdate(string(s))
	m.log.Info("run finished", "status", s, "time", m.rc.Time())
}

// step performs the per-slice protocol.
func (m *Manager) step(ctx context.Context, job *Job, day *dayState, sl stream.Slice, final *Status) error {
	algo := job.Algorithm
	m.rc.SetTime(sl.Time)
	algo.SetTime(sl.Time)
	if job.RealTime != nil {
		job.RealTime.SetTime(sl.Time)
	}

	date := time.Date(sl.Time.Year(), sl.Time.Month(), sl.Time.Day(), 0, 0, 0, 0, sl.Time.Location())
	if m.rc.Mode == ModeBacktest && !day.date.IsZero() && date.After(day.date) {
		if err := algo.OnEndOfDay(ctx, day.date); err != nil {
			return fmt.Errorf("end of day %s: %w", day.date.Format(time.DateOnly), err)
		}
		m.sampleDay(*job, day, day.date)
	}
	day.date = date

	if algo.QuitRequested() {
		*final = StatusQuit
		return errHalt
	}

	secs := algo.Securities()
	bars := make(domain.TradeBars)
	ticks := make(domain.Ticks)
	// A symbol subscribed at several resolutions keeps the finest bar.
	barStep := make(map[string]time.Duration)
	for _, i := range sl.Indices() {
		sec := secs.Get(i)
		if sec == nil {
			continue
		}
		consolidators := sec.Consolidators()
		for _, p := range sl.Data[i] {
			sec.Cache.Update(p)
			for _, c := range consolidators {
				c.Update(p)
			}
			switch p.Kind {
			case domain.KindBar:
				if d, ok := barStep[p.Symbol]; ok && d <= sec.Config.Increment {
					continue
				}
				bars[p.Symbol] = p.Bar
				barStep[p.Symbol] = sec.Config.Increment
			case domain.KindTick:
				ticks[p.Symbol] = append(ticks[p.Symbol], p.Tick)
			default:
				if err := algo.OnData(ctx, p); err != nil {
					return fmt.Errorf("on data %s: %w", p.Symbol, err)
				}
			}
		}
	}

	if len(bars) > 0 {
		if err := algo.OnBars(ctx, bars); err != nil {
			return fmt.Errorf("on bars: %w", err)
		}
	}
	if len(ticks) > 0 {
		if err := algo.OnTicks(ctx, ticks); err != nil {
			return fmt.Errorf("on ticks: %w", err)
		}
	}

	if job.SynchronousOrders && job.Transactions != nil {
		if err := job.Transactions.WaitReady(ctx, job.OrderTimeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			job.Results.ErrorMessage(fmt.Sprintf("orders not processed at %s: %v", sl.Time, err))
		}
	}

	if day.lastSample.IsZero() || sl.Time.Sub(day.lastSample) >= job.SamplePeriod {
		m.sample(*job, day, sl.Time)
	}
	return nil
}

// sampleDay records the closing equity and performance of date.
func (m *Manager) sampleDay(job Job, day *dayState, date time.Time) {
	value := job.Algorithm.PortfolioValue()
	job.Results.SampleEquity(date, value)
	job.Results.SamplePerformance(date, performance(day.startValue, value))
	day.startValue = value
}

// sample records equity, performance and every security price at t.
func (m *Manager) sample(job Job, day *dayState, t time.Time) {
	day.lastSample = t
	value := job.Algorithm.PortfolioValue()
	job.Results.SampleEquity(t, value)
	job.Results.SamplePerformance(t, performance(day.startValue, value))
	for _, sec := range job.Algorithm.Securities().All() {
		if px := sec.Cache.Price(); px > 0 {
			job.Results.SampleAssetPrice(sec.Symbol(), t, px)
		}
	}
	job.Results.FlushCharts()
}

func performance(start, value float64) float64 {
	if start == 0 {
		return 0
	}
	return (value - start) / start * 100
}
