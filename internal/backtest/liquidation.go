package backtest

import (
	"fmt"
	"time"

	"backtestd/internal/account"
	"backtestd/internal/ledger"
	"backtestd/internal/market"
	"backtestd/internal/matching"
)

// Liquidation is the outcome of the forced close at the end of a run.
type Liquidation struct {
	Ledger   *ledger.Ledger
	Account  account.Account
	Canceled []ledger.Order
	Exit     *ledger.Order
}

// Liquidate cancels every active order and sells the remaining position at last.Close with the
// taker fee. It works on a clone, so l is untouched when an error is returned.
func Liquidate(sim *matching.Simulator, l *ledger.Ledger, acc account.Account, last market.Kline) (Liquidation, error) {
	next := l.Clone()
	at := time.UnixMilli(last.CloseTime).UTC()

	canceled, err := sim.CancelActive(next, at)
	if err != nil {
		return Liquidation{}, fmt.Errorf("%w: cancel active orders: %w", ErrLiquidation, err)
	}
	out := Liquidation{Canceled: canceled}

	qty := next.OpeningQuantity()
	if qty.IsPositive() {
		req := ledger.Request{Type: ledger.TypeMarket, Side: ledger.SideExit, Quantity: qty}
		order, err := ledger.NewOrder(req, sim.NextOrderID(), at)
		if err != nil {
			return Liquidation{}, fmt.Errorf("%w: build exit order: %w", ErrLiquidation, err)
		}
		if err := next.Add(order); err != nil {
			return Liquidation{}, fmt.Errorf("%w: %w", ErrLiquidation, err)
		}
		filled, err := sim.Fill(next, acc, order, last.Close, at)
		if err != nil {
			return Liquidation{}, fmt.Errorf("%w: fill exit order: %w", ErrLiquidation, err)
		}
		if filled.Status != ledger.StatusFilled {
			return Liquidation{}, fmt.Errorf("%w: exit order %s %s: %s", ErrLiquidation, filled.ID, filled.Status, filled.Reason)
		}
		out.Exit = &filled
	}
	if n := len(next.Opening()); n > 0 {
		return Liquidation{}, fmt.Errorf("%w: %d trades still open", ErrLiquidation, n)
	}

	out.Ledger = next
	out.Account = account.Recompute(acc, next, last.Close)
	return out, nil
}
