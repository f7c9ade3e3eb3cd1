package ledger

import (
	"errors"
	"fmt"

	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrUnknownOrder   = errors.New("unknown order id")
)

// Ledger is the order and trade book of one execution. It is not safe for concurrent use;
// callers mutate a Clone and swap it in once a bar has fully succeeded.
type Ledger struct {
	orders  []Order
	index   map[OrderID]int
	opening []Trade
	closed  []Trade
}

func New() *Ledger {
	return &Ledger{index: make(map[OrderID]int)}
}

func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		orders:  append([]Order(nil), l.orders...),
		index:   make(map[OrderID]int, len(l.index)),
		opening: append([]Trade(nil), l.opening...),
		closed:  append([]Trade(nil), l.closed...),
	}
	for k, v := range l.index {
		c.index[k] = v
	}
	return c
}

// Add records a new order.
func (l *Ledger) Add(o Order) error {
	if _, ok := l.index[o.ID]; ok {
		return fmt.Errorf("add %s: %w", o.ID, ErrDuplicateOrder)
	}
	l.index[o.ID] = len(l.orders)
	l.orders = append(l.orders, o)
	return nil
}

// Apply transitions the stored order and stores the result.
func (l *Ledger) Apply(id OrderID, ev Event) (Order, error) {
	i, ok := l.index[id]
	if !ok {
		return Order{}, fmt.Errorf("apply %s to %s: %w", ev.Kind, id, ErrUnknownOrder)
	}
	next, err := Transition(l.orders[i], ev)
	if err != nil {
		return l.orders[i], err
	}
	l.orders[i] = next
	return next, nil
}

func (l *Ledger) Order(id OrderID) (Order, bool) {
	i, ok := l.index[id]
	if !ok {
		return Order{}, false
	}
	return l.orders[i], true
}

// Orders returns every order in creation order.
func (l *Ledger) Orders() []Order {
	return append([]Order(nil), l.orders...)
}

func (l *Ledger) ByStatus(statuses ...OrderStatus) []Order {
	var out []Order
	for _, o := range l.orders {
		for _, s := range statuses {
			if o.Status == s {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// Active returns non-cancel orders that may still fill, in creation order.
func (l *Ledger) Active() []Order {
	var out []Order
	for _, o := range l.orders {
		if o.IsActive() {
			out = append(out, o)
		}
	}
	return out
}

func (l *Ledger) Opening() []Trade { return append([]Trade(nil), l.opening...) }

func (l *Ledger) Closed() []Trade { return append([]Trade(nil), l.closed...) }

func (l *Ledger) OpenTrade(t Trade) {
	l.opening = append(l.opening, t)
}

// ApplyClose replaces the opening book and appends the newly closed trades.
func (l *Ledger) ApplyClose(res CloseResult) {
	l.opening = append([]Trade(nil), res.Opening...)
	l.closed = append(l.closed, res.Closed...)
}

// SetOpening replaces the opening book, e.g. after MarkTrades.
func (l *Ledger) SetOpening(trades []Trade) {
	l.opening = append([]Trade(nil), trades...)
}

func (l *Ledger) OpeningQuantity() decimal.Decimal {
	total := num.Zero
	for _, t := range l.opening {
		total = total.Add(t.Quantity.Decimal)
	}
	return total
}
