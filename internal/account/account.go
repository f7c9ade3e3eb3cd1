// Package account derives the strategy account snapshot from a ledger.
package account

import (
	"fmt"

	"backtestd/internal/ledger"
	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
)

// Account is a read-only snapshot. Equity is InitialCapital + NetReturn + OpenReturn, so
// entry fees of still-open trades only show up once the trade closes.
type Account struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`

	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	InOrdersCapital  decimal.Decimal `json:"in_orders_capital"`

	TotalAsset     decimal.Decimal `json:"total_asset"`
	AvailableAsset decimal.Decimal `json:"available_asset"`
	InOrdersAsset  decimal.Decimal `json:"in_orders_asset"`

	OpenReturn decimal.Decimal `json:"open_return"`
	NetReturn  decimal.Decimal `json:"net_return"`
	NetProfit  decimal.Decimal `json:"net_profit"`
	NetLoss    decimal.Decimal `json:"net_loss"`

	Equity       decimal.Decimal `json:"equity"`
	PeakEquity   decimal.Decimal `json:"peak_equity"`
	TroughEquity decimal.Decimal `json:"trough_equity"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	MaxRunUp     decimal.Decimal `json:"max_run_up"`

	TotalFees decimal.Decimal `json:"total_fees"`
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// New returns the account before any order.
func New(initialCapital decimal.Decimal) (Account, error) {
	if !initialCapital.IsPositive() {
		return Account{}, fmt.Errorf("initial capital %s: %w", initialCapital, num.ErrNotPositive)
	}
	c := num.Round(initialCapital)
	z := num.Zero
	return Account{
		InitialCapital:   c,
		TotalCapital:     c,
		AvailableCapital: c,
		InOrdersCapital:  z,
		TotalAsset:       z,
		AvailableAsset:   z,
		InOrdersAsset:    z,
		OpenReturn:       z,
		NetReturn:        z,
		NetProfit:        z,
		NetLoss:          z,
		Equity:           c,
		PeakEquity:       c,
		TroughEquity:     c,
		MaxDrawdown:      z,
		MaxRunUp:         z,
		TotalFees:        z,
		MarkPrice:        z,
	}, nil
}

// Recompute derives the snapshot for l valued at price. Only the equity extremes are carried
// over from prev; everything else comes from the ledger.
func Recompute(prev Account, l *ledger.Ledger, price decimal.Decimal) Account {
	a := Account{InitialCapital: prev.InitialCapital, MarkPrice: price}

	capital := prev.InitialCapital
	asset := num.Zero
	fees := num.Zero
	inOrdersCapital := num.Zero
	inOrdersAsset := num.Zero
	for _, o := range l.Orders() {
		if o.Status == ledger.StatusFilled {
			fees = fees.Add(o.Fee.Amount)
			notional := o.Notional()
			switch o.Side {
			case ledger.SideEntry:
				capital = capital.Sub(notional).Sub(o.Fee.Amount)
				asset = asset.Add(o.Quantity.Decimal)
			case ledger.SideExit:
				capital = capital.Add(notional).Sub(o.Fee.Amount)
				asset = asset.Sub(o.Quantity.Decimal)
			}
			continue
		}
		if !o.IsActive() {
			continue
		}
		switch o.Side {
		case ledger.SideEntry:
			inOrdersCapital = inOrdersCapital.Add(o.Quantity.Mul(o.ReferencePrice(price)))
		case ledger.SideExit:
			inOrdersAsset = inOrdersAsset.Add(o.Quantity.Decimal)
		}
	}
	a.TotalCapital = num.Round(capital)
	a.InOrdersCapital = num.Round(inOrdersCapital)
	a.AvailableCapital = num.Round(capital.Sub(inOrdersCapital))
	a.TotalAsset = num.Round(asset)
	a.InOrdersAsset = num.Round(inOrdersAsset)
	a.AvailableAsset = num.Round(asset.Sub(inOrdersAsset))
	a.TotalFees = num.Round(fees)

	open := num.Zero
	for _, t := range l.Opening() {
		open = open.Add(t.UnrealizedAt(price))
	}
	net, profit, loss := num.Zero, num.Zero, num.Zero
	for _, t := range l.Closed() {
		net = net.Add(t.NetReturn)
		if t.NetReturn.IsPositive() {
			profit = profit.Add(t.NetReturn)
		} else {
			loss = loss.Add(t.NetReturn.Neg())
		}
	}
	a.OpenReturn = num.Round(open)
	a.NetReturn = num.Round(net)
	a.NetProfit = num.Round(profit)
	a.NetLoss = num.Round(loss)
	a.Equity = num.Round(a.InitialCapital.Add(a.NetReturn).Add(a.OpenReturn))

	a.PeakEquity = decimal.Max(prev.PeakEquity, a.Equity)
	a.TroughEquity = decimal.Min(prev.TroughEquity, a.Equity)
	a.MaxDrawdown = decimal.Max(prev.MaxDrawdown, a.PeakEquity.Sub(a.Equity))
	a.MaxRunUp = decimal.Max(prev.MaxRunUp, a.Equity.Sub(a.TroughEquity))
	return a
}

// CanBuy reports whether cost, already including fees, fits the available capital.
func (a Account) CanBuy(cost decimal.Decimal) bool {
	return cost.LessThanOrEqual(a.AvailableCapital)
}

// CanSell reports whether qty fits the available asset.
func (a Account) CanSell(qty decimal.Decimal) bool {
	return qty.LessThanOrEqual(a.AvailableAsset)
}
