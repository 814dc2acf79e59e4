// Package result collects what a run reports: sampled series, messages and
// status. It persists them and publishes them to live listeners.
package result

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/store"
)

// Series names.
const (
	SeriesEquity      = "equity"
	SeriesPerformance = "performance"
	SeriesAssetPrice  = "price"
)

// Message levels.
const (
	LevelDebug   = "debug"
	LevelError   = "error"
	LevelRuntime = "runtime"
)

// Packet types.
const (
	PacketSamples = "samples"
	PacketMessage = "message"
	PacketStatus  = "status"
)

const persistTimeout = 5 * time.Second

// Handler receives everything a run reports.
type Handler interface {
	SampleEquity(t time.Time, value float64)
	SamplePerformance(t time.Time, value float64)
	SampleAssetPrice(symbol string, t time.Time, value float64)
	DebugMessage(msg string)
	ErrorMessage(msg string)
	RuntimeError(err error)
	SendStatusUpdate(status string)
	FlushCharts()
	ProcessMessages()
}

// Packet is one unit published to live listeners.
type Packet struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// Publisher delivers packets to listeners. Publish must not block.
type Publisher interface {
	Publish(p Packet)
}

// Summary holds the headline statistics of a finished run.
type Summary struct {
	StartingEquity float64 `json:"starting_equity"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	TradingDays    int     `json:"trading_days"`
}

var _ Handler = (*BacktestHandler)(nil)

// BacktestHandler keeps a run's series in memory, persists them to an
// optional store and forwards packets to an optional publisher.
type BacktestHandler struct {
	store store.ResultStore
	pub   Publisher
	log   *slog.Logger

	mu       sync.Mutex
	run      store.Run
	series   map[string][]store.Sample
	unsaved  []store.Sample
	messages []store.Message
	unsent   []store.Message
	err      error
}

// NewBacktestHandler returns a handler for run. rs and pub may be nil.
func NewBacktestHandler(run store.Run, rs store.ResultStore, pub Publisher) *BacktestHandler {
	return &BacktestHandler{
		store:  rs,
		pub:    pub,
		run:    run,
		series: make(map[string][]store.Sample),
		log:    slog.Default().With("component", "result", "run", run.ID),
	}
}

// SetPublisher replaces the publisher.
func (h *BacktestHandler) SetPublisher(pub Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pub = pub
}

func (h *BacktestHandler) sample(s store.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.series[s.Series] = append(h.series[s.Series], s)
	h.unsaved = append(h.unsaved, s)
}

// SampleEquity records the portfolio value at t.
func (h *BacktestHandler) SampleEquity(t time.Time, value float64) {
	h.sample(store.Sample{Series: SeriesEquity, Time: t, Value: value})
}

// SamplePerformance records the daily performance, in percent, at t.
func (h *BacktestHandler) SamplePerformance(t time.Time, value float64) {
	h.sample(store.Sample{Series: SeriesPerformance, Time: t, Value: value})
}

// SampleAssetPrice records a security price at t.
func (h *BacktestHandler) SampleAssetPrice(symbol string, t time.Time, value float64) {
	h.sample(store.Sample{Series: SeriesAssetPrice, Symbol: symbol, Time: t, Value: value})
}

func (h *BacktestHandler) message(level, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := store.Message{Level: level, Text: text, Time: time.Now()}
	h.messages = append(h.messages, m)
	h.unsent = append(h.unsent, m)
}

// DebugMessage records an informational message.
func (h *BacktestHandler) DebugMessage(msg string) {
	h.log.Debug(msg)
	h.message(LevelDebug, msg)
}

// ErrorMessage records a non-fatal error.
func (h *BacktestHandler) ErrorMessage(msg string) {
	h.log.Warn(msg)
	h.message(LevelError, msg)
}

// RuntimeError records the error that ended the run.
func (h *BacktestHandler) RuntimeError(err error) {
	h.log.Error("runtime error", "error", err)
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.message(LevelRuntime, err.Error())
}

// SendStatusUpdate records and publishes the run status. Any status other
// than running stamps the finish time.
func (h *BacktestHandler) SendStatusUpdate(status string) {
	h.mu.Lock()
	h.run.Status = status
	if status != "running" {
		h.run.FinishedAt = time.Now()
	}
	run := h.run
	pub := h.pub
	h.mu.Unlock()

	h.log.Info("status", "status", status)
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := h.store.SaveRun(ctx, &run); err != nil {
			h.log.Warn("failed to save run", "error", err)
		}
	}
	if pub != nil {
		pub.Publish(Packet{Type: PacketStatus, RunID: run.ID, Time: time.Now(), Data: run})
	}
}

// FlushCharts persists and publishes the samples recorded since the last
// flush.
func (h *BacktestHandler) FlushCharts() {
	h.mu.Lock()
	pending := h.unsaved
	h.unsaved = nil
	pub := h.pub
	h.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := h.store.SaveSamples(ctx, h.run.ID, pending); err != nil {
			h.log.Warn("failed to save samples", "count", len(pending), "error", err)
		}
	}
	if pub != nil {
		pub.Publish(Packet{Type: PacketSamples, RunID: h.run.ID, Time: time.Now(), Data: pending})
	}
}

// ProcessMessages persists and publishes queued messages, then flushes
// charts.
func (h *BacktestHandler) ProcessMessages() {
	h.mu.Lock()
	pending := h.unsent
	h.unsent = nil
	pub := h.pub
	h.mu.Unlock()

	if len(pending) > 0 && h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		for _, m := range pending {
			if err := h.store.SaveMessage(ctx, h.run.ID, m); err != nil {
				h.log.Warn("failed to save message", "error", err)
				break
			}
		}
	}
	if pub != nil {
		for _, m := range pending {
			pub.Publish(Packet{Type: PacketMessage, RunID: h.run.ID, Time: m.Time, Data: m})
		}
	}
	h.FlushCharts()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Run returns a copy of the run record.
func (h *BacktestHandler) Run() store.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run
}

// Status returns the last reported status.
func (h *BacktestHandler) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Status
}

// Err returns the runtime error, if any.
func (h *BacktestHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Samples returns a copy of a series.
func (h *BacktestHandler) Samples(series string) []store.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.Sample(nil), h.series[series]...)
}

// AllSamples returns every recorded sample.
func (h *BacktestHandler) AllSamples() []store.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []store.Sample
	for _, name := range []string{SeriesEquity, SeriesPerformance, SeriesAssetPrice} {
		out = append(out, h.series[name]...)
	}
	return out
}

// Messages returns a copy of all messages.
func (h *BacktestHandler) Messages() []store.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.Message(nil), h.messages...)
}

// Statistics summarises the equity series against the starting equity,
// using the last sample of each calendar date.
func (h *BacktestHandler) Statistics(startingEquity float64) Summary {
	daily := closesByDate(h.Samples(SeriesEquity))
	s := Summary{StartingEquity: startingEquity, FinalEquity: startingEquity, TradingDays: len(daily)}
	if len(daily) == 0 || startingEquity <= 0 {
		return s
	}
	s.FinalEquity = daily[len(daily)-1]
	s.TotalReturn = s.FinalEquity/startingEquity - 1

	returns := make([]float64, 0, len(daily))
	prev, peak := startingEquity, startingEquity
	for _, v := range daily {
		if prev > 0 {
			returns = append(returns, v/prev-1)
		}
		prev = v
		peak = math.Max(peak, v)
		if peak > 0 {
			s.MaxDrawdown = math.Max(s.MaxDrawdown, (peak-v)/peak)
		}
	}
	s.SharpeRatio = sharpe(returns)
	return s
}

func closesByDate(samples []store.Sample) []float64 {
	var out []float64
	var last string
	for _, smp := range samples {
		d := smp.Time.Format(time.DateOnly)
		if d == last && len(out) > 0 {
			out[len(out)-1] = smp.Value
			continue
		}
		out = append(out, smp.Value)
		last = d
	}
	return out
}

// sharpe annualises the mean over the sample deviation of daily returns.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(252)
}
