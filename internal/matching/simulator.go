// Package matching simulates fills of strategy orders against the next kline.
package matching

import (
	"fmt"
	"strconv"
	"time"

	"backtestd/internal/account"
	"backtestd/internal/ledger"
	"backtestd/internal/market"
	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
)

const (
	ReasonInsufficientBalance = "insufficient balance"
	ReasonNotCancelable       = "order not cancelable"
)

type FeeRates struct {
	Maker num.Rate
	Taker num.Rate
}

// Sequence hands out deterministic order and trade ids so replays are reproducible.
type Sequence struct {
	orders int64
	trades int64
}

func (s *Sequence) NextOrderID() ledger.OrderID {
	s.orders++
	return ledger.OrderID("o-" + strconv.FormatInt(s.orders, 10))
}

func (s *Sequence) NextTradeID() ledger.TradeID {
	s.trades++
	return ledger.TradeID("t-" + strconv.FormatInt(s.trades, 10))
}

type Simulator struct {
	fees     FeeRates
	currency string
	ids      *Sequence
}

func New(fees FeeRates, currency string) *Simulator {
	return &Simulator{fees: fees, currency: currency, ids: &Sequence{}}
}

func (s *Simulator) NextOrderID() ledger.OrderID { return s.ids.NextOrderID() }

func (s *Simulator) rate(t ledger.OrderType) num.Rate {
	switch t {
	case ledger.TypeLimit, ledger.TypeStopLimit:
		return s.fees.Maker
	}
	return s.fees.Taker
}

// Submit admits requests in order. Cancels take effect immediately, resting orders move to
// OPENING and market orders stay PENDING until the next Match. Requests that fail validation or
// the balance check are recorded as REJECTED. refPrice values market orders for the balance
// check.
func (s *Simulator) Submit(l *ledger.Ledger, acc account.Account, reqs []ledger.Request, refPrice decimal.Decimal, at time.Time) ([]ledger.Order, error) {
	out := make([]ledger.Order, 0, len(reqs))
	for _, req := range reqs {
		id := s.ids.NextOrderID()
		o, err := ledger.NewOrder(req, id, at)
		if err != nil {
			rej := rejectedRequest(req, id, err.Error(), at)
			if err := l.Add(rej); err != nil {
				return out, err
			}
			out = append(out, rej)
			continue
		}
		if err := l.Add(o); err != nil {
			return out, err
		}
		if o.Type == ledger.TypeCancel {
			done, err := s.cancel(l, o, at)
			if err != nil {
				return out, err
			}
			out = append(out, done)
			continue
		}

		current := account.Recompute(acc, l, refPrice)
		if !s.affordable(current, o, refPrice) {
			rej, err := l.Apply(o.ID, ledger.Rejected(ReasonInsufficientBalance, at))
			if err != nil {
				return out, err
			}
			out = append(out, rej)
			continue
		}
		if o.Type.IsResting() {
			if o, err = l.Apply(o.ID, ledger.Opened(at)); err != nil {
				return out, err
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// affordable checks o against the balances left by every other active order. acc already
// counts o itself as in-orders, so its own reservation is added back.
func (s *Simulator) affordable(acc account.Account, o ledger.Order, refPrice decimal.Decimal) bool {
	qty := o.Quantity.Decimal
	switch o.Side {
	case ledger.SideEntry:
		ref := o.ReferencePrice(refPrice)
		reserved := qty.Mul(ref)
		cost := reserved.Mul(num.One.Add(s.rate(o.Type).Decimal))
		return num.Round(cost).LessThanOrEqual(acc.AvailableCapital.Add(num.Round(reserved)))
	case ledger.SideExit:
		return qty.LessThanOrEqual(acc.AvailableAsset.Add(qty))
	}
	return false
}

func (s *Simulator) cancel(l *ledger.Ledger, c ledger.Order, at time.Time) (ledger.Order, error) {
	target, ok := l.Order(c.TargetID)
	if !ok || !target.IsActive() {
		return l.Apply(c.ID, ledger.Rejected(ReasonNotCancelable, at))
	}
	if _, err := l.Apply(target.ID, ledger.Canceled(at)); err != nil {
		return l.Apply(c.ID, ledger.Rejected(ReasonNotCancelable, at))
	}
	return l.Apply(c.ID, ledger.Submitted(at))
}

// rejectedRequest records a request that never became a valid order.
func rejectedRequest(req ledger.Request, id ledger.OrderID, reason string, at time.Time) ledger.Order {
	o := ledger.Order{
		ID:        id,
		Type:      req.Type,
		Side:      req.Side,
		TargetID:  req.TargetID,
		Status:    ledger.StatusPending,
		CreatedAt: at,
	}
	if q, err := num.NewQuantity(req.Quantity); err == nil {
		o.Quantity = q
	}
	rej, err := ledger.Transition(o, ledger.Rejected(reason, at))
	if err != nil {
		o.Status = ledger.StatusRejected
		o.Reason = reason
		o.RejectedAt = at
		return o
	}
	return rej
}

// Match resolves active orders against k in creation order, then marks the opening trades
// with the bar's range.
func (s *Simulator) Match(l *ledger.Ledger, acc account.Account, k market.Kline) ([]ledger.Order, error) {
	openAt := time.UnixMilli(k.OpenTime).UTC()
	closeAt := time.UnixMilli(k.CloseTime).UTC()
	var changed []ledger.Order
	for _, o := range l.Active() {
		var (
			next ledger.Order
			hit  bool
			err  error
		)
		switch o.Type {
		case ledger.TypeMarket:
			next, err = s.Fill(l, acc, o, k.Open, openAt)
			hit = true
		case ledger.TypeLimit:
			if limitCrossed(o, k) {
				next, err = s.Fill(l, acc, o, o.LimitPrice.Decimal, closeAt)
				hit = true
			}
		case ledger.TypeStopMarket:
			if stopCrossed(o, k) {
				next, err = s.Fill(l, acc, o, o.StopPrice.Decimal, closeAt)
				hit = true
			}
		case ledger.TypeStopLimit:
			if o.Status == ledger.StatusOpening && stopCrossed(o, k) {
				if o, err = l.Apply(o.ID, ledger.Triggered(closeAt)); err != nil {
					return changed, err
				}
				next, hit = o, true
			}
			if o.Status == ledger.StatusTriggered && limitCrossed(o, k) {
				next, err = s.Fill(l, acc, o, o.LimitPrice.Decimal, closeAt)
				hit = true
			}
		}
		if err != nil {
			return changed, err
		}
		if hit {
			changed = append(changed, next)
		}
	}
	l.SetOpening(ledger.MarkTrades(l.Opening(), k))
	return changed, nil
}

func limitCrossed(o ledger.Order, k market.Kline) bool {
	limit := o.LimitPrice.Decimal
	if o.Side == ledger.SideEntry {
		return k.Low.LessThanOrEqual(limit)
	}
	return k.High.GreaterThanOrEqual(limit)
}

func stopCrossed(o ledger.Order, k market.Kline) bool {
	stop := o.StopPrice.Decimal
	if o.Side == ledger.SideEntry {
		return k.High.GreaterThanOrEqual(stop)
	}
	return k.Low.LessThanOrEqual(stop)
}

// Fill fills o at price, re-checking cash and holdings, and books the trade. A shortfall
// rejects the order instead.
func (s *Simulator) Fill(l *ledger.Ledger, acc account.Account, o ledger.Order, price decimal.Decimal, at time.Time) (ledger.Order, error) {
	p, err := num.NewPrice(price)
	if err != nil {
		return o, fmt.Errorf("fill %s: %w", o.ID, err)
	}
	fee := s.rate(o.Type).Fee(o.Quantity, p)

	switch o.Side {
	case ledger.SideEntry:
		cash := account.Recompute(acc, l, price).TotalCapital
		cost := num.Round(o.Quantity.Mul(p.Decimal).Add(fee))
		if cost.GreaterThan(cash) {
			return l.Apply(o.ID, ledger.Rejected(ReasonInsufficientBalance, at))
		}
	case ledger.SideExit:
		if o.Quantity.GreaterThan(l.OpeningQuantity()) {
			return l.Apply(o.ID, ledger.Rejected(ReasonInsufficientBalance, at))
		}
	}

	filled, err := l.Apply(o.ID, ledger.Filled(p, ledger.Fee{Amount: fee, Currency: s.currency}, at))
	if err != nil {
		return o, err
	}
	switch filled.Side {
	case ledger.SideEntry:
		t, err := ledger.OpenTrade(filled, s.ids.NextTradeID())
		if err != nil {
			return filled, err
		}
		l.OpenTrade(t)
	case ledger.SideExit:
		res, err := ledger.CloseTrades(l.Opening(), filled, s.ids.NextTradeID())
		if err != nil {
			return filled, err
		}
		l.ApplyClose(res)
	}
	return filled, nil
}

// CancelActive cancels every order still pending or resting.
func (s *Simulator) CancelActive(l *ledger.Ledger, at time.Time) ([]ledger.Order, error) {
	var out []ledger.Order
	for _, o := range l.Active() {
		next, err := l.Apply(o.ID, ledger.Canceled(at))
		if err != nil {
			return out, err
		}
		out = append(out, next)
	}
	return out, nil
}
