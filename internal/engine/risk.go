package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// ErrRiskRejected wraps every risk rule violation.
var ErrRiskRejected = errors.New("rejected by risk rules")

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and maximum daily loss constraints.
type RiskManager struct {
	maxPositionPct  float64
	maxDailyLossPct float64

	mu         sync.Mutex
	dayStartEq float64
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single position
//     (e.g. 0.10 for 10%). Zero disables the check.
//   - maxDailyLossPct: maximum fraction of equity that may be lost in a single
//     trading day before new buys are refused. Zero disables the check.
func NewRiskManager(maxPositionPct, maxDailyLossPct float64) *RiskManager {
	return &RiskManager{
		maxPositionPct:  maxPositionPct,
		maxDailyLossPct: maxDailyLossPct,
	}
}

// StartDay records the equity the daily loss limit is measured from.
func (rm *RiskManager) StartDay(equity float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dayStartEq = equity
}

// CheckOrder evaluates whether the proposed order, priced at price, complies
// with the configured risk limits given the current account state and the
// quantity already held. Sells always pass.
func (rm *RiskManager) CheckOrder(_ context.Context, order *domain.Order, price, held float64, account *domain.AccountInfo) error {
	if order.Side != domain.OrderSideBuy || account == nil {
		return nil
	}
	if rm.maxPositionPct > 0 && account.Equity > 0 {
		notional := (held + order.Qty) * price
		if limit := rm.maxPositionPct * account.Equity; notional > limit {
			return fmt.Errorf("%w: %s position %.2f exceeds %.2f", ErrRiskRejected, order.Symbol, notional, limit)
		}
	}

	rm.mu.Lock()
	start := rm.dayStartEq
	rm.mu.Unlock()
	if rm.maxDailyLossPct > 0 && start > 0 {
		if loss := (start - account.Equity) / start; loss >= rm.maxDailyLossPct {
			return fmt.Errorf("%w: daily loss %.2f%% reached", ErrRiskRejected, loss*100)
		}
	}
	return nil
}
