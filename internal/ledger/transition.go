package ledger

import (
	"errors"
	"fmt"
	"time"

	"backtestd/internal/pkg/num"
)

var ErrInvalidTransition = errors.New("invalid order transition")

type EventKind string

const (
	EventSubmit  EventKind = "submit"
	EventOpen    EventKind = "open"
	EventTrigger EventKind = "trigger"
	EventFill    EventKind = "fill"
	EventCancel  EventKind = "cancel"
	EventReject  EventKind = "reject"
)

// Event drives one order transition.
type Event struct {
	Kind   EventKind
	At     time.Time
	Price  num.Price
	Fee    Fee
	Reason string
}

func Submitted(at time.Time) Event { return Event{Kind: EventSubmit, At: at} }

func Opened(at time.Time) Event { return Event{Kind: EventOpen, At: at} }

func Triggered(at time.Time) Event { return Event{Kind: EventTrigger, At: at} }

func Filled(price num.Price, fee Fee, at time.Time) Event {
	return Event{Kind: EventFill, At: at, Price: price, Fee: fee}
}

func Canceled(at time.Time) Event { return Event{Kind: EventCancel, At: at} }

func Rejected(reason string, at time.Time) Event {
	return Event{Kind: EventReject, At: at, Reason: reason}
}

// TransitionError reports an event the order state machine does not accept.
type TransitionError struct {
	OrderID OrderID
	Type    OrderType
	From    OrderStatus
	Event   EventKind
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("order %s (%s): cannot %s from %s", e.OrderID, e.Type, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition applies ev to o. On failure the unchanged order is returned together with a
// *TransitionError.
func Transition(o Order, ev Event) (Order, error) {
	fail := func(reason string) (Order, error) {
		return o, &TransitionError{OrderID: o.ID, Type: o.Type, From: o.Status, Event: ev.Kind, Reason: reason}
	}
	if o.IsTerminal() {
		return fail("order is terminal")
	}
	if ev.At.Before(o.lastEventAt()) {
		return fail("event precedes last order timestamp")
	}

	next, ok := nextStatus(o.Type, o.Status, ev.Kind)
	if !ok {
		return fail("")
	}

	out := o
	out.Status = next
	switch ev.Kind {
	case EventSubmit, EventOpen:
		out.SubmittedAt = ev.At
	case EventTrigger:
		out.TriggeredAt = ev.At
	case EventFill:
		if !ev.Price.IsSet() {
			return fail("fill without price")
		}
		if ev.Fee.Amount.IsNegative() {
			return fail("negative fee")
		}
		if out.SubmittedAt.IsZero() {
			out.SubmittedAt = ev.At
		}
		out.FilledPrice = ev.Price
		out.Fee = Fee{Amount: num.Round(ev.Fee.Amount), Currency: ev.Fee.Currency}
		out.FilledAt = ev.At
	case EventCancel:
		out.CanceledAt = ev.At
	case EventReject:
		if ev.Reason == "" {
			return fail("reject without reason")
		}
		out.Reason = ev.Reason
		out.RejectedAt = ev.At
	}
	return out, nil
}

// nextStatus is the transition table. Market and cancel orders never rest, and only stop-limit
// orders pass through TRIGGERED.
func nextStatus(t OrderType, from OrderStatus, ev EventKind) (OrderStatus, bool) {
	if ev == EventReject {
		switch from {
		case StatusPending, StatusOpening, StatusTriggered:
			return StatusRejected, true
		}
		return "", false
	}
	switch from {
	case StatusPending:
		switch {
		case ev == EventSubmit && t == TypeCancel:
			return StatusSubmitted, true
		case ev == EventOpen && t.IsResting():
			return StatusOpening, true
		case ev == EventFill && t == TypeMarket:
			return StatusFilled, true
		case ev == EventCancel && t != TypeCancel:
			return StatusCanceled, true
		}
	case StatusOpening:
		switch {
		case ev == EventTrigger && t == TypeStopLimit:
			return StatusTriggered, true
		case ev == EventFill && (t == TypeLimit || t == TypeStopMarket):
			return StatusFilled, true
		case ev == EventCancel:
			return StatusCanceled, true
		}
	case StatusTriggered:
		switch ev {
		case EventFill:
			return StatusFilled, true
		case EventCancel:
			return StatusCanceled, true
		}
	}
	return "", false
}

// ValidPair reports whether status is reachable for the order type.
func ValidPair(t OrderType, s OrderStatus) bool {
	switch s {
	case StatusPending, StatusRejected:
		return true
	case StatusSubmitted:
		return t == TypeCancel
	case StatusOpening:
		return t.IsResting()
	case StatusCanceled:
		return t != TypeCancel
	case StatusTriggered:
		return t == TypeStopLimit
	case StatusFilled:
		return t != TypeCancel
	}
	return false
}
