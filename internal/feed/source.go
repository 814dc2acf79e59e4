package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/datafile"
	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
	"github.com/ydxt25/QuantSystem-sub000/internal/gather"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
)

// Source yields one day of a subscription's points. Next returns io.EOF at
// the end; any other error means the record is skipped.
type Source interface {
	Next() (domain.DataPoint, error)
	Close() error
}

// SourceResolver opens the source for a subscription and date.
type SourceResolver interface {
	Open(ctx context.Context, cfg *domain.SubscriptionConfig, date time.Time) (Source, error)
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

type zipSource struct {
	zs   *datafile.ZipSource
	cfg  *domain.SubscriptionConfig
	date time.Time
	loc  *time.Location
}

func (s *zipSource) Next() (domain.DataPoint, error) {
	line, ok := s.zs.Next()
	if !ok {
		if err := s.zs.Err(); err != nil {
			slog.Warn("source read failed", "subscription", s.cfg.String(), "error", err)
		}
		return domain.DataPoint{}, io.EOF
	}
	return datafile.ParseLine(s.cfg, s.date, s.loc, line)
}

func (s *zipSource) Close() error { return s.zs.Close() }

// sliceSource replays points already in memory.
type sliceSource struct {
	points []domain.DataPoint
	i      int
}

// NewSliceSource returns a Source over points.
func NewSliceSource(points []domain.DataPoint) Source {
	return &sliceSource{points: points}
}

func (s *sliceSource) Next() (domain.DataPoint, error) {
	if s.i >= len(s.points) {
		return domain.DataPoint{}, io.EOF
	}
	p := s.points[s.i]
	s.i++
	return p, nil
}

func (s *sliceSource) Close() error { return nil }

// ---------------------------------------------------------------------------
// FileResolver
// ---------------------------------------------------------------------------

// FileResolver finds a day's data in order: the local zip archive, a remote
// download cached back to the archive layout, then the Parquet store.
type FileResolver struct {
	Root       string
	Location   *time.Location
	Downloader gather.Downloader
	Parquet    *store.ParquetStore
	log        *slog.Logger
}

// NewFileResolver returns a resolver over the archive tree at root. The
// downloader and parquet store are optional.
func NewFileResolver(root string, loc *time.Location, dl gather.Downloader, pq *store.ParquetStore) *FileResolver {
	return &FileResolver{
		Root:       root,
		Location:   loc,
		Downloader: dl,
		Parquet:    pq,
		log:        slog.Default().With("component", "resolver"),
	}
}

var _ SourceResolver = (*FileResolver)(nil)

// Open returns the source for cfg on date or an error wrapping
// datafile.ErrSourceNotFound.
func (r *FileResolver) Open(ctx context.Context, cfg *domain.SubscriptionConfig, date time.Time) (Source, error) {
	path := datafile.Path(r.Root, cfg, date)
	zs, err := datafile.OpenZip(path)
	if err == nil {
		return &zipSource{zs: zs, cfg: cfg, date: date, loc: r.Location}, nil
	}
	if !errors.Is(err, datafile.ErrSourceNotFound) {
		return nil, err
	}

	if r.Downloader != nil {
		points, err := r.Downloader.Download(ctx, cfg, date)
		switch {
		case err == nil && len(points) > 0:
			if _, werr := datafile.WritePoints(r.Root, cfg, date, r.Location, points); werr != nil {
				r.log.Warn("caching download failed", "subscription", cfg.String(), "error", werr)
			}
			return NewSliceSource(points), nil
		case err != nil && !errors.Is(err, gather.ErrUnsupported) && !errors.Is(err, gather.ErrNoData):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn("remote fetch failed", "subscription", cfg.String(),
				"date", date.Format(time.DateOnly), "error", err)
		}
	}

	if r.Parquet != nil {
		points, err := r.fromParquet(ctx, cfg, date)
		if err != nil {
			r.log.Warn("parquet fallback failed", "subscription", cfg.String(), "error", err)
		} else if len(points) > 0 {
			return NewSliceSource(points), nil
		}
	}

	return nil, fmt.Errorf("%w: %s on %s", datafile.ErrSourceNotFound, cfg, date.Format(time.DateOnly))
}

// fromParquet serves daily bars and equity trade ticks from the Parquet
// store. Other resolutions have no Parquet representation.
func (r *FileResolver) fromParquet(ctx context.Context, cfg *domain.SubscriptionConfig, date time.Time) ([]domain.DataPoint, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, r.Location)
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Nanosecond)
	symbol := cfg.MappedSymbol()

	switch {
	case cfg.Resolution == domain.ResolutionDaily && cfg.SecurityType == domain.SecurityTypeEquity:
		bars, err := r.Parquet.ReadBars(ctx, symbol, string(cfg.Market), dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		points := make([]domain.DataPoint, 0, len(bars))
		for _, b := range bars {
			b.Symbol = cfg.Symbol
			b.Timestamp = dayStart
			points = append(points, domain.NewBarPoint(b))
		}
		return points, nil

	case cfg.Resolution == domain.ResolutionTick && cfg.SecurityType == domain.SecurityTypeEquity:
		trades, err := r.Parquet.ReadTrades(ctx, symbol, string(cfg.Market), dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		points := make([]domain.DataPoint, 0, len(trades))
		for _, t := range trades {
			points = append(points, domain.NewTickPoint(domain.Tick{
				Symbol: cfg.Symbol, Timestamp: t.Timestamp.In(r.Location),
				Price: t.Price, Quantity: float64(t.Size), Exchange: t.Exchange,
			}))
		}
		return points, nil
	}
	return nil, nil
}
