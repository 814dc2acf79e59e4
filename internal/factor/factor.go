// Package factor loads the corporate-action tables used to adjust equity
// prices (factor files) and to follow ticker renames (map files).
//
// Layout under the data root:
//
//	equity/factor_files/<symbol>.csv   yyyyMMdd,priceFactor,splitFactor
//	equity/map_files/<symbol>.csv      yyyyMMdd,mappedSymbol
//
// Both lookups return the most recent row dated on or before the requested
// date.
package factor

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const dateLayout = "20060102"

// FactorRow is one dated price adjustment.
type FactorRow struct {
	Date        time.Time
	PriceFactor float64
	SplitFactor float64
}

// FactorFile is a date-sorted table of price adjustments.
type FactorFile struct {
	Symbol string
	Rows   []FactorRow
}

// PriceScaleFactor returns the product of both factors for the latest row on
// or before date, or 1 when no row qualifies.
func (f *FactorFile) PriceScaleFactor(date time.Time) float64 {
	if f == nil {
		return 1
	}
	i := latestOnOrBefore(len(f.Rows), func(i int) time.Time { return f.Rows[i].Date }, date)
	if i < 0 {
		return 1
	}
	return f.Rows[i].PriceFactor * f.Rows[i].SplitFactor
}

// MapRow is one dated ticker mapping.
type MapRow struct {
	Date   time.Time
	Symbol string
}

// MapFile is a date-sorted table of ticker mappings.
type MapFile struct {
	Symbol string
	Rows   []MapRow
}

// MappedSymbol returns the ticker in effect on date, or the original symbol
// when no row qualifies.
func (m *MapFile) MappedSymbol(date time.Time) string {
	if m == nil {
		return ""
	}
	i := latestOnOrBefore(len(m.Rows), func(i int) time.Time { return m.Rows[i].Date }, date)
	if i < 0 {
		return m.Symbol
	}
	return m.Rows[i].Symbol
}

// latestOnOrBefore returns the index of the last row whose date is not after
// the calendar day of date, or -1.
func latestOnOrBefore(n int, at func(int) time.Time, date time.Time) int {
	day := civil(date)
	// first index whose date is after day
	i := sort.Search(n, func(i int) bool { return civil(at(i)).After(day) })
	return i - 1
}

func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ReadFactorFile parses a factor file. Malformed rows are skipped.
func ReadFactorFile(path, symbol string) (*FactorFile, error) {
	ff := &FactorFile{Symbol: symbol}
	err := scanRows(path, func(fields []string) bool {
		if len(fields) < 3 {
			return false
		}
		d, err := time.Parse(dateLayout, fields[0])
		if err != nil {
			return false
		}
		pf, err1 := strconv.ParseFloat(fields[1], 64)
		sf, err2 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || pf <= 0 || sf <= 0 {
			return false
		}
		ff.Rows = append(ff.Rows, FactorRow{Date: d, PriceFactor: pf, SplitFactor: sf})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ff.Rows, func(i, j int) bool { return ff.Rows[i].Date.Before(ff.Rows[j].Date) })
	return ff, nil
}

// ReadMapFile parses a map file. Malformed rows are skipped.
func ReadMapFile(path, symbol string) (*MapFile, error) {
	mf := &MapFile{Symbol: symbol}
	err := scanRows(path, func(fields []string) bool {
		if len(fields) < 2 || fields[1] == "" {
			return false
		}
		d, err := time.Parse(dateLayout, fields[0])
		if err != nil {
			return false
		}
		mf.Rows = append(mf.Rows, MapRow{Date: d, Symbol: strings.ToUpper(fields[1])})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(mf.Rows, func(i, j int) bool { return mf.Rows[i].Date.Before(mf.Rows[j].Date) })
	return mf, nil
}

func scanRows(path string, row func(fields []string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if !row(fields) {
			slog.Debug("skipping malformed row", "path", path, "line", line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider loads and caches the tables for each symbol under a data root.
// Missing files yield identity adjustments.
type Provider struct {
	root string
	log  *slog.Logger

	mu      sync.Mutex
	factors map[string]*FactorFile
	maps    map[string]*MapFile
}

// NewProvider returns a Provider rooted at dataDir.
func NewProvider(dataDir string) *Provider {
	return &Provider{
		root:    dataDir,
		log:     slog.Default().With("component", "factor"),
		factors: make(map[string]*FactorFile),
		maps:    make(map[string]*MapFile),
	}
}

// FactorPath returns the factor file path for symbol.
func FactorPath(root, symbol string) string {
	return filepath.Join(root, "equity", "factor_files", strings.ToLower(symbol)+".csv")
}

// MapPath returns the map file path for symbol.
func MapPath(root, symbol string) string {
	return filepath.Join(root, "equity", "map_files", strings.ToLower(symbol)+".csv")
}

// Lookup returns the price scale factor and mapped symbol for symbol on
// date.
func (p *Provider) Lookup(symbol string, date time.Time) (float64, string) {
	ff, mf := p.tables(symbol)
	mapped := mf.MappedSymbol(date)
	if mapped == "" {
		mapped = symbol
	}
	return ff.PriceScaleFactor(date), mapped
}

func (p *Provider) tables(symbol string) (*FactorFile, *MapFile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ff, ok := p.factors[symbol]
	if !ok {
		var err error
		ff, err = ReadFactorFile(FactorPath(p.root, symbol), symbol)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("failed to read factor file", "symbol", symbol, "error", err)
		}
		p.factors[symbol] = ff
	}

	mf, ok := p.maps[symbol]
	if !ok {
		var err error
		mf, err = ReadMapFile(MapPath(p.root, symbol), symbol)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("failed to read map file", "symbol", symbol, "error", err)
		}
		p.maps[symbol] = mf
	}
	return ff, mf
}
