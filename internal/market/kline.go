package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidKline = errors.New("invalid kline")
	ErrKlineGap     = errors.New("kline series has a gap")
	ErrKlineOrder   = errors.New("kline series is not ascending")
)

// Kline is one closed OHLCV candle. Timestamps are unix milliseconds.
type Kline struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Trades      int64           `json:"trades"`
}

// Validate checks a single kline against the record invariants.
func (k Kline) Validate() error {
	switch {
	case strings.TrimSpace(k.Symbol) == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidKline)
	case k.OpenTime >= k.CloseTime:
		return fmt.Errorf("%w: open_time %d >= close_time %d", ErrInvalidKline, k.OpenTime, k.CloseTime)
	case !k.Open.IsPositive() || !k.High.IsPositive() || !k.Low.IsPositive() || !k.Close.IsPositive():
		return fmt.Errorf("%w: non-positive price at %d", ErrInvalidKline, k.OpenTime)
	case k.High.LessThan(k.Low):
		return fmt.Errorf("%w: high < low at %d", ErrInvalidKline, k.OpenTime)
	case k.Volume.IsNegative() || k.QuoteVolume.IsNegative():
		return fmt.Errorf("%w: negative volume at %d", ErrInvalidKline, k.OpenTime)
	case k.Trades < 0:
		return fmt.Errorf("%w: negative trade count at %d", ErrInvalidKline, k.OpenTime)
	}
	return nil
}

// ValidateSeries validates every kline and checks strict ascending order without gaps on
// the timeframe grid.
func ValidateSeries(klines []Kline, tf Timeframe) error {
	step := tf.DurationMillis()
	for i, k := range klines {
		if err := k.Validate(); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := klines[i-1]
		if k.CloseTime <= prev.CloseTime {
			return fmt.Errorf("%w: %d after %d", ErrKlineOrder, k.CloseTime, prev.CloseTime)
		}
		if step > 0 && k.OpenTime-prev.OpenTime != step {
			return fmt.Errorf("%w: %d -> %d (step %d)", ErrKlineGap, prev.OpenTime, k.OpenTime, step)
		}
	}
	return nil
}

// Closes extracts close prices as floats for indicator math.
func Closes(klines []Kline) []float64 {
	return column(klines, func(k Kline) decimal.Decimal { return k.Close })
}

func Opens(klines []Kline) []float64 {
	return column(klines, func(k Kline) decimal.Decimal { return k.Open })
}

func Highs(klines []Kline) []float64 {
	return column(klines, func(k Kline) decimal.Decimal { return k.High })
}

func Lows(klines []Kline) []float64 {
	return column(klines, func(k Kline) decimal.Decimal { return k.Low })
}

func Volumes(klines []Kline) []float64 {
	return column(klines, func(k Kline) decimal.Decimal { return k.Volume })
}

func column(klines []Kline, pick func(Kline) decimal.Decimal) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i], _ = pick(k).Float64()
	}
	return out
}
