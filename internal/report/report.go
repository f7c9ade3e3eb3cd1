// Package report renders finished backtest executions as standalone HTML charts.
package report

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/ledger"
	"backtestd/internal/pkg/num"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

var ErrNoResult = errors.New("execution has no result")

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"
	colorPrice         = "#fbbf24"

	chartWidthPx    = 1400
	equityHeightPx  = 420
	drawdownHeight  = 220
	priceHeightPx   = 380
	timeLabelLayout = "01-02 15:04"
)

// RenderHTML writes the equity curve, drawdown and trade markers of a finished execution.
func RenderHTML(w io.Writer, exec backtest.Execution) error {
	if exec.Result == nil || len(exec.Result.EquityCurve) == 0 {
		return fmt.Errorf("%s: %w", exec.ID, ErrNoResult)
	}
	res := exec.Result
	xAxis := buildXAxis(res.EquityCurve)

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("backtest %s", exec.ID)
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(
		buildEquityChart(exec, xAxis),
		buildDrawdownChart(xAxis, res.EquityCurve),
		buildPriceChart(xAxis, res),
	)
	return page.Render(w)
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func axisOpts() (opts.XAxis, opts.YAxis) {
	return opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}, opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}
}

func buildEquityChart(exec backtest.Execution, xAxis []string) *charts.Line {
	acc := exec.Result.Account
	line := charts.NewLine()
	x, y := axisOpts()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s equity", exec.StrategyID),
			Subtitle: fmt.Sprintf("net %s | fees %s | max drawdown %s",
				acc.NetReturn.StringFixed(2), acc.TotalFees.StringFixed(2), acc.MaxDrawdown.StringFixed(2)),
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	data := make([]opts.LineData, len(exec.Result.EquityCurve))
	for i, p := range exec.Result.EquityCurve {
		data[i] = opts.LineData{Value: round(num.ToFloat(p.Equity), 4)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
	)
	return line
}

func buildDrawdownChart(xAxis []string, curve []backtest.EquityPoint) *charts.Bar {
	bar := charts.NewBar()
	x, y := axisOpts()
	x.AxisLabel = &opts.AxisLabel{Show: opts.Bool(false)}
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(drawdownHeight)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	dd := Drawdowns(curve)
	data := make([]opts.BarData, len(dd))
	for i, v := range dd {
		data[i] = opts.BarData{Value: round(v, 4), ItemStyle: &opts.ItemStyle{Color: colorBear, Opacity: opts.Float(0.6)}}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Drawdown", data)
	return bar
}

func buildPriceChart(xAxis []string, res *backtest.Result) *charts.Line {
	line := charts.NewLine()
	x, y := axisOpts()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(priceHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "Price & trades", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(x),
		charts.WithYAxisOpts(y),
	)
	closes := make([]opts.LineData, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		closes[i] = opts.LineData{Value: round(num.ToFloat(p.Close), 4)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Close", closes,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorPrice, Width: 2}),
	)

	entries, exits := tradeMarkers(xAxis, res.EquityCurve, res.Trades.Closed)
	scatter := charts.NewScatter()
	scatter.SetXAxis(xAxis)
	scatter.AddSeries("Entry", entries, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBull}))
	scatter.AddSeries("Exit", exits, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBear}))
	line.Overlap(scatter)
	return line
}

// Drawdowns returns the percentage drop from the running equity peak at every point.
func Drawdowns(curve []backtest.EquityPoint) []float64 {
	out := make([]float64, len(curve))
	peak := math.Inf(-1)
	for i, p := range curve {
		eq := num.ToFloat(p.Equity)
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			out[i] = (eq - peak) / peak * 100
		}
	}
	return out
}

// tradeMarkers places each fill on the first curve point at or after its fill time.
func tradeMarkers(xAxis []string, curve []backtest.EquityPoint, trades []ledger.Trade) (entries, exits []opts.ScatterData) {
	entries = make([]opts.ScatterData, len(xAxis))
	exits = make([]opts.ScatterData, len(xAxis))
	for i := range xAxis {
		entries[i] = opts.ScatterData{Value: nil}
		exits[i] = opts.ScatterData{Value: nil}
	}
	mark := func(dst []opts.ScatterData, at time.Time, price float64) {
		if idx := pointIndex(curve, at); idx >= 0 {
			dst[idx] = opts.ScatterData{Value: round(price, 4), SymbolSize: 12}
		}
	}
	for _, tr := range trades {
		mark(entries, tr.Entry.FilledAt, num.ToFloat(tr.Entry.FilledPrice.Decimal))
		if tr.Exit != nil {
			mark(exits, tr.Exit.FilledAt, num.ToFloat(tr.Exit.FilledPrice.Decimal))
		}
	}
	return entries, exits
}

func pointIndex(curve []backtest.EquityPoint, at time.Time) int {
	for i, p := range curve {
		if !p.Time.Before(at) {
			return i
		}
	}
	return -1
}

func buildXAxis(curve []backtest.EquityPoint) []string {
	x := make([]string, len(curve))
	for i, p := range curve {
		x[i] = p.Time.UTC().Format(timeLabelLayout)
	}
	return x
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
