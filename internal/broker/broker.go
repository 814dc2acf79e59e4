// Package broker defines the Broker interface and the simulated brokerage
// that fills a backtest's orders.
package broker

import (
	"context"
	"errors"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

var (
	// ErrInvalidOrder is returned for orders that cannot be accepted.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrNotReady is returned when queued orders were not processed in time.
	ErrNotReady = errors.New("orders still pending")
	// ErrUnknownOrder is returned when cancelling an order that does not exist.
	ErrUnknownOrder = errors.New("unknown order")
)

// Broker abstracts brokerage operations for order execution and account management.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

// Prices supplies the latest price of a symbol.
type Prices interface {
	Price(symbol string) (float64, bool)
}
