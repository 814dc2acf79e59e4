// Package gather defines how market data missing from the local cache is
// fetched from a remote provider.
package gather

import (
	"context"
	"errors"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

var (
	// ErrUnsupported is returned for subscriptions a downloader cannot serve.
	ErrUnsupported = errors.New("unsupported subscription")
	// ErrNoData is returned when the provider has nothing for the day.
	ErrNoData = errors.New("no data")
)

// Gatherer is the interface for batch data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run gathers until done or until ctx is cancelled.
	Run(ctx context.Context) error
}

// Downloader fetches one subscription's data for one trading day. Returned
// points are in time order and carry the subscription's symbol.
type Downloader interface {
	Download(ctx context.Context, cfg *domain.SubscriptionConfig, date time.Time) ([]domain.DataPoint, error)
}

// DateRange represents an inclusive range of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns every calendar date in the range.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
