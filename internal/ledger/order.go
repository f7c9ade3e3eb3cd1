// Package ledger implements the order and trade state machines of a simulated spot account.
// All functions are pure: they return new values and never mutate their inputs.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
)

type OrderID string

type TradeID string

type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStopMarket OrderType = "STOP_MARKET"
	TypeStopLimit  OrderType = "STOP_LIMIT"
	TypeCancel     OrderType = "CANCEL"
)

// ParseOrderType accepts the canonical names plus camelCase aliases used in scripts.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "MARKET":
		return TypeMarket, nil
	case "LIMIT":
		return TypeLimit, nil
	case "STOP_MARKET", "STOPMARKET":
		return TypeStopMarket, nil
	case "STOP_LIMIT", "STOPLIMIT":
		return TypeStopLimit, nil
	case "CANCEL":
		return TypeCancel, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

type OrderSide string

const (
	SideEntry OrderSide = "ENTRY"
	SideExit  OrderSide = "EXIT"
)

func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENTRY", "BUY":
		return SideEntry, nil
	case "EXIT", "SELL":
		return SideExit, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusOpening   OrderStatus = "OPENING"
	StatusTriggered OrderStatus = "TRIGGERED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Fee is the commission charged on a fill.
type Fee struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Order is a tagged union over Type × Status. Fields not relevant to the tag stay zero.
type Order struct {
	ID         OrderID      `json:"id"`
	Type       OrderType    `json:"type"`
	Status     OrderStatus  `json:"status"`
	Side       OrderSide    `json:"side,omitempty"`
	Quantity   num.Quantity `json:"quantity"`
	LimitPrice num.Price    `json:"limit_price"`
	StopPrice  num.Price    `json:"stop_price"`
	TargetID   OrderID      `json:"target_id,omitempty"`

	FilledPrice num.Price `json:"filled_price"`
	Fee         Fee       `json:"fee"`
	Reason      string    `json:"reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at"`
	TriggeredAt time.Time `json:"triggered_at"`
	FilledAt    time.Time `json:"filled_at"`
	CanceledAt  time.Time `json:"canceled_at"`
	RejectedAt  time.Time `json:"rejected_at"`
}

// Request is an order action asked for by a strategy before it becomes an Order.
type Request struct {
	Type       OrderType
	Side       OrderSide
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	TargetID   OrderID
}

var ErrInvalidRequest = errors.New("invalid order request")

// NewOrder validates req for its type and returns a PENDING order.
func NewOrder(req Request, id OrderID, at time.Time) (Order, error) {
	if id == "" {
		return Order{}, fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}
	o := Order{ID: id, Type: req.Type, Status: StatusPending, CreatedAt: at}
	if req.Type == TypeCancel {
		if req.TargetID == "" {
			return Order{}, fmt.Errorf("%w: cancel requires target id", ErrInvalidRequest)
		}
		o.TargetID = req.TargetID
		return o, nil
	}
	switch req.Side {
	case SideEntry, SideExit:
		o.Side = req.Side
	default:
		return Order{}, fmt.Errorf("%w: side %q", ErrInvalidRequest, req.Side)
	}
	qty, err := num.NewQuantity(req.Quantity)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	o.Quantity = qty

	needLimit, needStop := false, false
	switch req.Type {
	case TypeMarket:
	case TypeLimit:
		needLimit = true
	case TypeStopMarket:
		needStop = true
	case TypeStopLimit:
		needLimit, needStop = true, true
	default:
		return Order{}, fmt.Errorf("%w: type %q", ErrInvalidRequest, req.Type)
	}
	if needLimit {
		if o.LimitPrice, err = num.NewPrice(req.LimitPrice); err != nil {
			return Order{}, fmt.Errorf("%w: limit %v", ErrInvalidRequest, err)
		}
	}
	if needStop {
		if o.StopPrice, err = num.NewPrice(req.StopPrice); err != nil {
			return Order{}, fmt.Errorf("%w: stop %v", ErrInvalidRequest, err)
		}
	}
	return o, nil
}

// IsTerminal reports whether no further transition is allowed.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	case StatusSubmitted:
		return o.Type == TypeCancel
	}
	return false
}

// IsActive reports a non-cancel order that may still fill.
func (o Order) IsActive() bool {
	if o.Type == TypeCancel {
		return false
	}
	switch o.Status {
	case StatusPending, StatusOpening, StatusTriggered:
		return true
	}
	return false
}

// IsResting reports whether the type rests in the book before filling.
func (t OrderType) IsResting() bool {
	switch t {
	case TypeLimit, TypeStopMarket, TypeStopLimit:
		return true
	}
	return false
}

// ReferencePrice is the price used to reserve capital for an active order. Market orders
// use the supplied market price.
func (o Order) ReferencePrice(market decimal.Decimal) decimal.Decimal {
	switch o.Type {
	case TypeLimit, TypeStopLimit:
		return o.LimitPrice.Decimal
	case TypeStopMarket:
		return o.StopPrice.Decimal
	}
	return market
}

// Notional is filled quantity × filled price, or zero when unfilled.
func (o Order) Notional() decimal.Decimal {
	if o.Status != StatusFilled {
		return num.Zero
	}
	return num.Round(o.Quantity.Mul(o.FilledPrice.Decimal))
}

// lastEventAt is the latest lifecycle timestamp; new events must not precede it.
func (o Order) lastEventAt() time.Time {
	last := o.CreatedAt
	for _, ts := range []time.Time{o.SubmittedAt, o.TriggeredAt, o.FilledAt, o.CanceledAt, o.RejectedAt} {
		if ts.After(last) {
			last = ts
		}
	}
	return last
}
