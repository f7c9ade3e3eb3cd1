package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"backtestd/internal/market"
	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
)

var (
	ErrNotEntryFill = errors.New("trade requires a filled ENTRY order")
	ErrNotExitFill  = errors.New("close requires a filled EXIT order")
	ErrOverClose    = errors.New("exit quantity exceeds opening quantity")
)

type TradeStatus string

const (
	TradeOpening TradeStatus = "OPENING"
	TradeClosed  TradeStatus = "CLOSED"
)

// Trade is a long position opened by one ENTRY fill. Split trades keep referencing the full
// entry order; EntryFee is the share of its fee still attributed to Quantity.
type Trade struct {
	ID       TradeID      `json:"id"`
	Status   TradeStatus  `json:"status"`
	Entry    Order        `json:"entry"`
	Exit     *Order       `json:"exit,omitempty"`
	Quantity num.Quantity `json:"quantity"`

	MaxPrice    decimal.Decimal `json:"max_price"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxRunUp    decimal.Decimal `json:"max_run_up"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	OpenReturn  decimal.Decimal `json:"open_return"`

	EntryFee  decimal.Decimal `json:"entry_fee"`
	ExitFee   decimal.Decimal `json:"exit_fee"`
	NetReturn decimal.Decimal `json:"net_return"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}

func (t Trade) EntryPrice() decimal.Decimal { return t.Entry.FilledPrice.Decimal }

// UnrealizedAt is (price − entry) × quantity, before fees.
func (t Trade) UnrealizedAt(price decimal.Decimal) decimal.Decimal {
	return num.Round(price.Sub(t.EntryPrice()).Mul(t.Quantity.Decimal))
}

// OpenTrade opens a trade for a filled ENTRY order.
func OpenTrade(entry Order, id TradeID) (Trade, error) {
	if entry.Status != StatusFilled || entry.Side != SideEntry || entry.Type == TypeCancel {
		return Trade{}, fmt.Errorf("open trade %s from order %s: %w", id, entry.ID, ErrNotEntryFill)
	}
	if id == "" {
		return Trade{}, fmt.Errorf("open trade from order %s: empty id", entry.ID)
	}
	price := entry.FilledPrice.Decimal
	return Trade{
		ID:          id,
		Status:      TradeOpening,
		Entry:       entry,
		Quantity:    entry.Quantity,
		MaxPrice:    price,
		MinPrice:    price,
		MaxRunUp:    num.Zero,
		MaxDrawdown: num.Zero,
		OpenReturn:  num.Zero,
		EntryFee:    entry.Fee.Amount,
		ExitFee:     num.Zero,
		NetReturn:   num.Zero,
		OpenedAt:    entry.FilledAt,
	}, nil
}

// CloseResult is the trade book after an exit fill.
type CloseResult struct {
	Opening []Trade
	Closed  []Trade
}

// CloseTrades consumes exit.Quantity from opening trades oldest entry first. Fully consumed
// trades close under their own id; a partially consumed trade is split and its consumed part
// closes as closeID while the remainder keeps the original id. Entry and exit fees are shared
// pro-rata by quantity.
func CloseTrades(opening []Trade, exit Order, closeID TradeID) (CloseResult, error) {
	if exit.Status != StatusFilled || exit.Side != SideExit || exit.Type == TypeCancel {
		return CloseResult{}, fmt.Errorf("close with order %s: %w", exit.ID, ErrNotExitFill)
	}
	book := make([]Trade, len(opening))
	copy(book, opening)
	sort.SliceStable(book, func(i, j int) bool { return book[i].OpenedAt.Before(book[j].OpenedAt) })

	total := num.Zero
	for _, t := range book {
		total = total.Add(t.Quantity.Decimal)
	}
	remaining := exit.Quantity.Decimal
	if remaining.GreaterThan(total) {
		return CloseResult{}, fmt.Errorf("close %s of %s: %w", remaining, total, ErrOverClose)
	}

	exitFeeLeft := exit.Fee.Amount
	exitPrice := exit.FilledPrice.Decimal
	res := CloseResult{}
	for i, t := range book {
		if !remaining.IsPositive() {
			res.Opening = append(res.Opening, book[i:]...)
			break
		}
		consumed := decimal.Min(remaining, t.Quantity.Decimal)
		remaining = remaining.Sub(consumed)

		var exitShare decimal.Decimal
		if !remaining.IsPositive() {
			exitShare = exitFeeLeft
		} else {
			exitShare = num.Round(exit.Fee.Amount.Mul(consumed).Div(exit.Quantity.Decimal))
		}
		exitFeeLeft = exitFeeLeft.Sub(exitShare)

		if consumed.Equal(t.Quantity.Decimal) {
			res.Closed = append(res.Closed, closeTrade(t, exit, t.EntryFee, exitShare, exitPrice))
			continue
		}

		if closeID == "" {
			return CloseResult{}, fmt.Errorf("split trade %s: empty close id", t.ID)
		}
		entryShare := num.Round(t.EntryFee.Mul(consumed).Div(t.Quantity.Decimal))
		part := t
		part.ID = closeID
		part.Quantity = num.Quantity{Decimal: consumed}
		res.Closed = append(res.Closed, closeTrade(part, exit, entryShare, exitShare, exitPrice))

		rest := t
		rest.Quantity = num.Quantity{Decimal: num.Round(t.Quantity.Sub(consumed))}
		rest.EntryFee = num.Round(t.EntryFee.Sub(entryShare))
		rest.OpenReturn = rest.UnrealizedAt(exitPrice)
		res.Opening = append(res.Opening, rest)
	}
	return res, nil
}

func closeTrade(t Trade, exit Order, entryFee, exitFee, exitPrice decimal.Decimal) Trade {
	gross := exitPrice.Sub(t.EntryPrice()).Mul(t.Quantity.Decimal)
	out := t
	exitCopy := exit
	out.Status = TradeClosed
	out.Exit = &exitCopy
	out.EntryFee = num.Round(entryFee)
	out.ExitFee = num.Round(exitFee)
	out.NetReturn = num.Round(gross.Sub(entryFee).Sub(exitFee))
	out.OpenReturn = num.Zero
	out.ClosedAt = exit.FilledAt
	return markPrice(out, exitPrice, exitPrice)
}

// MarkTrades folds the bar's range into each opening trade's extremes and revalues it at the
// bar close.
func MarkTrades(opening []Trade, k market.Kline) []Trade {
	out := make([]Trade, len(opening))
	for i, t := range opening {
		t = markPrice(t, k.High, k.Low)
		t.OpenReturn = t.UnrealizedAt(k.Close)
		out[i] = t
	}
	return out
}

func markPrice(t Trade, high, low decimal.Decimal) Trade {
	if high.GreaterThan(t.MaxPrice) {
		t.MaxPrice = high
	}
	if low.LessThan(t.MinPrice) {
		t.MinPrice = low
	}
	runUp := num.Round(t.MaxPrice.Sub(t.EntryPrice()).Mul(t.Quantity.Decimal))
	if runUp.GreaterThan(t.MaxRunUp) {
		t.MaxRunUp = runUp
	}
	drawdown := num.Round(t.EntryPrice().Sub(t.MinPrice).Mul(t.Quantity.Decimal))
	if drawdown.GreaterThan(t.MaxDrawdown) {
		t.MaxDrawdown = drawdown
	}
	return t
}
