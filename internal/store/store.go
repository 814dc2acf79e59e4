// Package store defines storage interfaces for market data and backtest
// results, with a Parquet implementation for bars and trades and a SQLite
// implementation for run results.
package store

import (
	"context"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// Sample is one point of a result series, such as equity or daily
// performance. Symbol is set for per-asset series.
type Sample struct {
	Series string    `json:"series"`
	Symbol string    `json:"symbol,omitempty"`
	Time   time.Time `json:"time"`
	Value  float64   `json:"value"`
}

// Message is a log line emitted by a run.
type Message struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

// Run is the persisted summary of one backtest run.
type Run struct {
	ID         string    `json:"id"`
	Algorithm  string    `json:"algorithm"`
	Status     string    `json:"status"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under a market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// TradeStore persists and retrieves individual trade (tick) data.
type TradeStore interface {
	// WriteTrades persists a batch of trades under a market.
	WriteTrades(ctx context.Context, market string, trades []domain.Trade) error

	// ReadTrades returns trades for the given symbol within [start, end].
	ReadTrades(ctx context.Context, symbol, market string, start, end time.Time) ([]domain.Trade, error)
}

// SampleStore persists result series.
type SampleStore interface {
	SaveSamples(ctx context.Context, runID string, samples []Sample) error
	ListSamples(ctx context.Context, runID, series string) ([]Sample, error)
}

// OrderStore persists the orders of a run.
type OrderStore interface {
	SaveOrder(ctx context.Context, runID string, order *domain.Order) error
	ListOrders(ctx context.Context, runID string) ([]domain.Order, error)
}

// MessageStore persists run log messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, runID string, msg Message) error
	ListMessages(ctx context.Context, runID string) ([]Message, error)
}

// RunStore persists run status.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
}

// ResultStore is everything a result handler persists.
type ResultStore interface {
	SampleStore
	OrderStore
	MessageStore
	RunStore
}
