package sandbox

import (
	"fmt"
	"time"

	"backtestd/internal/account"
	"backtestd/internal/ledger"
	"backtestd/internal/market"
	"backtestd/internal/pkg/num"

	"github.com/d5/tengo/v2"
	"github.com/shopspring/decimal"
)

// Views are the read-only values injected into a script, keyed by global name.
type Views map[string]interface{}

const (
	ViewBar     = "bar"
	ViewKlines  = "klines"
	ViewSeries  = "series"
	ViewOrders  = "orders"
	ViewTrades  = "trades"
	ViewAccount = "account"
	ViewSystem  = "system"
)

var viewNames = []string{ViewBar, ViewKlines, ViewSeries, ViewOrders, ViewTrades, ViewAccount, ViewSystem}

// SystemInfo describes the run and the bar being processed.
type SystemInfo struct {
	Symbol     string
	Timeframe  string
	Currency   string
	BarIndex   int
	Time       time.Time
	RangeStart time.Time
	RangeEnd   time.Time
}

// Input is everything the context builder needs for one bar. Window ends with the current bar.
type Input struct {
	Window  []market.Kline
	Ledger  *ledger.Ledger
	Account account.Account
	System  SystemInfo
}

// BuildViews assembles the views for the last bar of in.Window.
func BuildViews(in Input) (Views, error) {
	if len(in.Window) == 0 {
		return nil, fmt.Errorf("build views: empty kline window")
	}
	klines := make([]interface{}, len(in.Window))
	for i, k := range in.Window {
		klines[i] = klineView(k)
	}
	v := Views{
		ViewBar:     klineView(in.Window[len(in.Window)-1]),
		ViewKlines:  klines,
		ViewSeries:  seriesView(in.Window),
		ViewAccount: accountView(in.Account),
		ViewSystem: map[string]interface{}{
			"symbol":      in.System.Symbol,
			"timeframe":   in.System.Timeframe,
			"currency":    in.System.Currency,
			"bar_index":   int64(in.System.BarIndex),
			"time":        in.System.Time,
			"range_start": in.System.RangeStart,
			"range_end":   in.System.RangeEnd,
		},
	}
	orders := map[string]interface{}{}
	trades := map[string]interface{}{"opening": []interface{}{}, "closed": []interface{}{}}
	if in.Ledger != nil {
		groups := map[string][]ledger.OrderStatus{
			"active":   {ledger.StatusPending, ledger.StatusOpening, ledger.StatusTriggered},
			"filled":   {ledger.StatusFilled},
			"canceled": {ledger.StatusCanceled},
			"rejected": {ledger.StatusRejected},
		}
		for name, statuses := range groups {
			var list []interface{}
			for _, o := range in.Ledger.ByStatus(statuses...) {
				if o.Type == ledger.TypeCancel {
					continue
				}
				list = append(list, orderView(o))
			}
			orders[name] = nonNil(list)
		}
		trades["opening"] = tradeViews(in.Ledger.Opening())
		trades["closed"] = tradeViews(in.Ledger.Closed())
	}
	v[ViewOrders] = orders
	v[ViewTrades] = trades
	return v, nil
}

func nonNil(list []interface{}) []interface{} {
	if list == nil {
		return []interface{}{}
	}
	return list
}

func f(d decimal.Decimal) float64 { return num.ToFloat(d) }

func klineView(k market.Kline) map[string]interface{} {
	return map[string]interface{}{
		"open_time":    k.OpenTime,
		"close_time":   k.CloseTime,
		"open":         f(k.Open),
		"high":         f(k.High),
		"low":          f(k.Low),
		"close":        f(k.Close),
		"volume":       f(k.Volume),
		"quote_volume": f(k.QuoteVolume),
		"trades":       k.Trades,
	}
}

func seriesView(window []market.Kline) map[string]interface{} {
	return map[string]interface{}{
		"open":   market.Opens(window),
		"high":   market.Highs(window),
		"low":    market.Lows(window),
		"close":  market.Closes(window),
		"volume": market.Volumes(window),
	}
}

func orderView(o ledger.Order) map[string]interface{} {
	return map[string]interface{}{
		"id":           string(o.ID),
		"type":         string(o.Type),
		"status":       string(o.Status),
		"side":         string(o.Side),
		"quantity":     f(o.Quantity.Decimal),
		"limit_price":  f(o.LimitPrice.Decimal),
		"stop_price":   f(o.StopPrice.Decimal),
		"filled_price": f(o.FilledPrice.Decimal),
		"fee":          f(o.Fee.Amount),
		"reason":       o.Reason,
	}
}

func tradeViews(trades []ledger.Trade) []interface{} {
	out := make([]interface{}, len(trades))
	for i, t := range trades {
		out[i] = map[string]interface{}{
			"id":           string(t.ID),
			"status":       string(t.Status),
			"entry_id":     string(t.Entry.ID),
			"entry_price":  f(t.EntryPrice()),
			"quantity":     f(t.Quantity.Decimal),
			"max_run_up":   f(t.MaxRunUp),
			"max_drawdown": f(t.MaxDrawdown),
			"open_return":  f(t.OpenReturn),
			"net_return":   f(t.NetReturn),
		}
	}
	return out
}

func accountView(a account.Account) map[string]interface{} {
	return map[string]interface{}{
		"initial_capital":   f(a.InitialCapital),
		"total_capital":     f(a.TotalCapital),
		"available_capital": f(a.AvailableCapital),
		"in_orders_capital": f(a.InOrdersCapital),
		"total_asset":       f(a.TotalAsset),
		"available_asset":   f(a.AvailableAsset),
		"in_orders_asset":   f(a.InOrdersAsset),
		"open_return":       f(a.OpenReturn),
		"net_return":        f(a.NetReturn),
		"equity":            f(a.Equity),
		"max_drawdown":      f(a.MaxDrawdown),
		"max_run_up":        f(a.MaxRunUp),
		"total_fees":        f(a.TotalFees),
	}
}

// freeze converts a view into immutable tengo objects so scripts cannot write through it.
func freeze(v interface{}) (tengo.Object, error) {
	switch x := v.(type) {
	case nil:
		return tengo.UndefinedValue, nil
	case tengo.Object:
		return x, nil
	case map[string]interface{}:
		m := make(map[string]tengo.Object, len(x))
		for k, e := range x {
			o, err := freeze(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = o
		}
		return &tengo.ImmutableMap{Value: m}, nil
	case []interface{}:
		arr := make([]tengo.Object, len(x))
		for i, e := range x {
			o, err := freeze(e)
			if err != nil {
				return nil, err
			}
			arr[i] = o
		}
		return &tengo.ImmutableArray{Value: arr}, nil
	case []float64:
		return floatArray(x), nil
	case decimal.Decimal:
		return &tengo.Float{Value: f(x)}, nil
	}
	return tengo.FromInterface(v)
}

func floatArray(values []float64) *tengo.ImmutableArray {
	arr := make([]tengo.Object, len(values))
	for i, v := range values {
		arr[i] = &tengo.Float{Value: v}
	}
	return &tengo.ImmutableArray{Value: arr}
}
