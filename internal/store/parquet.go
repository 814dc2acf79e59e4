package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ TradeStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and TradeStore using Parquet files on
// disk. It serves as a fallback data source when a day has no zip archive
// and as the export format for equity curves.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeRecord is the Parquet schema for trade tick data.
type TradeRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Price     float64 `parquet:"price"`
	Size      int64   `parquet:"size"`
	Exchange  string  `parquet:"exchange"`
	ID        string  `parquet:"id"`
}

// SampleRecord is the Parquet schema for an exported result series.
type SampleRecord struct {
	Series    string  `parquet:"series"`
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Value     float64 `parquet:"value"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars grouped by symbol and year, merging with what is
// already on disk. Layout:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, market string, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.Year()}
		groups[k] = append(groups[k], barToRecord(b))
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, k.year)
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading existing bars %s: %w", path, err)
		}
		merged := mergeRecords(existing, records,
			func(r BarRecord) int64 { return r.Timestamp },
			func(r BarRecord) int64 { return r.Timestamp })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for symbol within [start, end] in timestamp order.
func (s *ParquetStore) ReadBars(_ context.Context, symbol, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, year))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).In(start.Location())
			if !ts.Before(start) && !ts.After(end) {
				bars = append(bars, recordToBar(r, ts))
			}
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, market, "daily"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// WriteTrades writes trades grouped by symbol and calendar date. Layout:
//
//	<DataDir>/<market>/trades/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteTrades(_ context.Context, market string, trades []domain.Trade) error {
	type key struct {
		symbol string
		date   string
	}
	groups := make(map[key][]TradeRecord)
	for _, t := range trades {
		k := key{symbol: strings.ToUpper(t.Symbol), date: t.Timestamp.Format(time.DateOnly)}
		groups[k] = append(groups[k], TradeRecord{
			Symbol:    t.Symbol,
			Timestamp: t.Timestamp.UnixMilli(),
			Price:     t.Price,
			Size:      t.Size,
			Exchange:  t.Exchange,
			ID:        t.ID,
		})
	}

	for k, records := range groups {
		path := filepath.Join(s.DataDir, market, "trades", k.symbol, k.date+".parquet")
		existing, err := readParquetFile[TradeRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading existing trades %s: %w", path, err)
		}
		merged := mergeRecords(existing, records,
			func(r TradeRecord) string { return r.ID },
			func(r TradeRecord) int64 { return r.Timestamp })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing trades for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadTrades reads trades for symbol within [start, end].
func (s *ParquetStore) ReadTrades(_ context.Context, symbol, market string, start, end time.Time) ([]domain.Trade, error) {
	var trades []domain.Trade
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[TradeRecord](s.tradePath(symbol, market, d))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).In(start.Location())
			if !ts.Before(start) && !ts.After(end) {
				trades = append(trades, domain.Trade{
					ID: r.ID, Symbol: r.Symbol, Timestamp: ts,
					Price: r.Price, Size: r.Size, Exchange: r.Exchange,
				})
			}
		}
	}
	return trades, nil
}

// ---------------------------------------------------------------------------
// Result export
// ---------------------------------------------------------------------------

// WriteSamples exports result samples to a single Parquet file.
func (s *ParquetStore) WriteSamples(path string, samples []Sample) error {
	records := make([]SampleRecord, len(samples))
	for i, smp := range samples {
		records[i] = SampleRecord{Series: smp.Series, Symbol: smp.Symbol, Timestamp: smp.Time.UnixMilli(), Value: smp.Value}
	}
	return writeParquetFile(path, records)
}

// ReadSamples loads a file written by WriteSamples.
func (s *ParquetStore) ReadSamples(path string) ([]Sample, error) {
	records, err := readParquetFile[SampleRecord](path)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, len(records))
	for i, r := range records {
		out[i] = Sample{Series: r.Series, Symbol: r.Symbol, Time: time.UnixMilli(r.Timestamp), Value: r.Value}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) barPath(symbol, market string, year int) string {
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

func (s *ParquetStore) tradePath(symbol, market string, day time.Time) string {
	return filepath.Join(s.DataDir, market, "trades", strings.ToUpper(symbol), day.Format(time.DateOnly)+".parquet")
}

func barToRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol: b.Symbol, Timestamp: b.Timestamp.UnixMilli(),
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
		Volume: b.Volume, TradeCount: b.TradeCount, VWAP: b.VWAP,
	}
}

func recordToBar(r BarRecord, ts time.Time) domain.Bar {
	return domain.Bar{
		Symbol: r.Symbol, Timestamp: ts,
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Volume: r.Volume, TradeCount: r.TradeCount, VWAP: r.VWAP,
	}
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeRecords deduplicates by key, preferring incoming records, and sorts
// the result by timestamp.
func mergeRecords[T any, K comparable](existing, incoming []T, key func(T) K, ts func(T) int64) []T {
	seen := make(map[K]T, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key(r)] = r
	}
	for _, r := range incoming {
		seen[key(r)] = r
	}

	merged := make([]T, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	slices.SortFunc(merged, func(a, b T) int {
		switch {
		case ts(a) < ts(b):
			return -1
		case ts(a) > ts(b):
			return 1
		default:
			return 0
		}
	})
	return merged
}
