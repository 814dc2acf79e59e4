package datafile

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

func nyc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func sub(t *testing.T, symbol string, st domain.SecurityType, res domain.Resolution) *domain.SubscriptionConfig {
	t.Helper()
	cfg, err := domain.NewSubscriptionConfig(symbol, st, domain.MarketUS, res, false, false)
	require.NoError(t, err)
	return cfg
}

func TestPathLayout(t *testing.T) {
	cfg := sub(t, "SPY", domain.SecurityTypeEquity, domain.ResolutionMinute)
	date := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("/data", "equity", "minute", "spy", "20240304_trade.zip"), Path("/data", cfg, date))

	fx := sub(t, "EURUSD", domain.SecurityTypeForex, domain.ResolutionTick)
	assert.Equal(t, filepath.Join("/data", "forex", "tick", "eurusd", "20240304_quote.zip"), Path("/data", fx, date))

	cfg.SetDailyFactors(1, "SPYOLD")
	assert.Contains(t, Path("/data", cfg, date), filepath.Join("spyold", "20240304_trade.zip"))
}

func TestParseMinuteBar(t *testing.T) {
	loc := nyc(t)
	cfg := sub(t, "SPY", domain.SecurityTypeEquity, domain.ResolutionMinute)
	date := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)

	p, err := ParseLine(cfg, date, loc, "34200000,500.1,501,499.5,500.5,12000")
	require.NoError(t, err)
	assert.Equal(t, domain.KindBar, p.Kind)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 30, 0, 0, loc), p.Time)
	assert.Equal(t, 500.5, p.Value)
	assert.Equal(t, int64(12000), p.Bar.Volume)
	assert.Equal(t, "SPY", p.Symbol)

	_, err = ParseLine(cfg, date, loc, "34200000,abc,1,1,1")
	assert.True(t, errors.Is(err, ErrMalformed))
	_, err = ParseLine(cfg, date, loc, "noon,1,1,1,1")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestParseDailyAndTicks(t *testing.T) {
	loc := nyc(t)
	date := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)

	daily := sub(t, "SPY", domain.SecurityTypeEquity, domain.ResolutionDaily)
	p, err := ParseLine(daily, date, loc, "20240304 00:00,500,505,498,503,9000000")
	require.NoError(t, err)
	assert.Equal(t, date, p.Time)

	tick := sub(t, "AAPL", domain.SecurityTypeEquity, domain.ResolutionTick)
	p, err = ParseLine(tick, date, loc, "34200123,170.25,100,P,1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindTick, p.Kind)
	assert.Equal(t, 123*time.Millisecond, p.Time.Sub(time.Date(2024, 3, 4, 9, 30, 0, 0, loc)))
	assert.Equal(t, "P", p.Tick.Exchange)
	assert.True(t, p.Tick.Suspicious)

	fx := sub(t, "EURUSD", domain.SecurityTypeForex, domain.ResolutionTick)
	p, err = ParseLine(fx, date, loc, "3600000,1.0850,1.0852")
	require.NoError(t, err)
	assert.InDelta(t, 1.0851, p.Value, 1e-9)

	custom := sub(t, "WEATHER", domain.SecurityTypeBase, domain.ResolutionMinute)
	p, err = ParseLine(custom, date, loc, "36000000,21.5")
	require.NoError(t, err)
	assert.Equal(t, domain.KindCustom, p.Kind)
	assert.Equal(t, 21.5, p.Value)
}

func TestWriteAndOpenZip(t *testing.T) {
	root := t.TempDir()
	loc := nyc(t)
	cfg := sub(t, "SPY", domain.SecurityTypeEquity, domain.ResolutionMinute)
	date := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)

	points := []domain.DataPoint{
		domain.NewBarPoint(domain.Bar{Symbol: "SPY", Timestamp: date.Add(9*time.Hour + 30*time.Minute), Open: 1, High: 2, Low: 1, Close: 2, Volume: 5}),
		domain.NewBarPoint(domain.Bar{Symbol: "SPY", Timestamp: date.Add(9*time.Hour + 31*time.Minute), Open: 2, High: 3, Low: 2, Close: 3, Volume: 6}),
	}
	path, err := WritePoints(root, cfg, date, loc, points)
	require.NoError(t, err)
	assert.Equal(t, Path(root, cfg, date), path)

	src, err := OpenZip(path)
	require.NoError(t, err)
	defer src.Close()

	var got []domain.DataPoint
	for {
		line, ok := src.Next()
		if !ok {
			break
		}
		p, err := ParseLine(cfg, date, loc, line)
		require.NoError(t, err)
		got = append(got, p)
	}
	require.NoError(t, src.Err())
	require.Len(t, got, 2)
	assert.True(t, got[1].Time.Equal(points[1].Time))
	assert.Equal(t, 3.0, got[1].Bar.Close)
}

func TestOpenZipMissing(t *testing.T) {
	_, err := OpenZip(filepath.Join(t.TempDir(), "nope.zip"))
	assert.True(t, errors.Is(err, ErrSourceNotFound))
}
