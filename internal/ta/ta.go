// Package ta exposes stateless technical-analysis indicators over ordered value windows
// (oldest first). Every indicator reports ok=false instead of failing when the window is too
// short for its period.
package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Series is an indicator output with the warm-up padding already removed; the last element
// lines up with the last input value.
type Series []float64

// Last returns the newest value.
func (s Series) Last() (float64, bool) {
	if len(s) == 0 {
		return math.NaN(), false
	}
	return s[len(s)-1], true
}

// MACDResult holds the three MACD lines.
type MACDResult struct {
	MACD      Series
	Signal    Series
	Histogram Series
}

// BandsResult holds Bollinger band lines.
type BandsResult struct {
	Upper  Series
	Middle Series
	Lower  Series
}

// StochResult holds the slow %K and %D lines.
type StochResult struct {
	K Series
	D Series
}

// trim drops the first lookback values of a talib output. talib pads with zeroes, so the
// input must be strictly longer than lookback to yield anything.
func trim(out []float64, lookback int) (Series, bool) {
	if lookback < 0 || len(out) <= lookback {
		return nil, false
	}
	res := make(Series, len(out)-lookback)
	copy(res, out[lookback:])
	return res, true
}

func validPeriod(period, min int) bool {
	return period >= min
}

func SMA(values []float64, period int) (Series, bool) {
	if !validPeriod(period, 1) || len(values) < period {
		return nil, false
	}
	return trim(talib.Sma(values, period), period-1)
}

func EMA(values []float64, period int) (Series, bool) {
	if !validPeriod(period, 1) || len(values) < period {
		return nil, false
	}
	return trim(talib.Ema(values, period), period-1)
}

func WMA(values []float64, period int) (Series, bool) {
	if !validPeriod(period, 1) || len(values) < period {
		return nil, false
	}
	return trim(talib.Wma(values, period), period-1)
}

func RSI(values []float64, period int) (Series, bool) {
	if !validPeriod(period, 2) || len(values) <= period {
		return nil, false
	}
	return trim(talib.Rsi(values, period), period)
}

func ROC(values []float64, period int) (Series, bool) {
	if !validPeriod(period, 1) || len(values) <= period {
		return nil, false
	}
	return trim(talib.Roc(values, period), period)
}

func StdDev(values []float64, period int, devs float64) (Series, bool) {
	if !validPeriod(period, 2) || len(values) < period {
		return nil, false
	}
	if devs == 0 {
		devs = 1
	}
	return trim(talib.StdDev(values, period, devs), period-1)
}

func MACD(values []float64, fast, slow, signal int) (MACDResult, bool) {
	if !validPeriod(fast, 2) || !validPeriod(slow, 2) || !validPeriod(signal, 1) || fast >= slow {
		return MACDResult{}, false
	}
	lookback := (slow - 1) + (signal - 1)
	if len(values) <= lookback {
		return MACDResult{}, false
	}
	m, s, h := talib.Macd(values, fast, slow, signal)
	macd, ok1 := trim(m, lookback)
	sig, ok2 := trim(s, lookback)
	hist, ok3 := trim(h, lookback)
	if !ok1 || !ok2 || !ok3 {
		return MACDResult{}, false
	}
	return MACDResult{MACD: macd, Signal: sig, Histogram: hist}, true
}

func BollingerBands(values []float64, period int, devs float64) (BandsResult, bool) {
	if !validPeriod(period, 2) || len(values) < period {
		return BandsResult{}, false
	}
	if devs <= 0 {
		devs = 2
	}
	u, m, l := talib.BBands(values, period, devs, devs, talib.SMA)
	upper, ok1 := trim(u, period-1)
	middle, ok2 := trim(m, period-1)
	lower, ok3 := trim(l, period-1)
	if !ok1 || !ok2 || !ok3 {
		return BandsResult{}, false
	}
	return BandsResult{Upper: upper, Middle: middle, Lower: lower}, true
}

func ATR(highs, lows, closes []float64, period int) (Series, bool) {
	if !sameLen(highs, lows, closes) || !validPeriod(period, 1) || len(closes) <= period {
		return nil, false
	}
	return trim(talib.Atr(highs, lows, closes, period), period)
}

func Stochastic(highs, lows, closes []float64, fastK, slowK, slowD int) (StochResult, bool) {
	if !sameLen(highs, lows, closes) || !validPeriod(fastK, 1) || !validPeriod(slowK, 1) || !validPeriod(slowD, 1) {
		return StochResult{}, false
	}
	lookback := (fastK - 1) + (slowK - 1) + (slowD - 1)
	if len(closes) <= lookback {
		return StochResult{}, false
	}
	k, d := talib.Stoch(highs, lows, closes, fastK, slowK, talib.SMA, slowD, talib.SMA)
	ks, ok1 := trim(k, lookback)
	ds, ok2 := trim(d, lookback)
	if !ok1 || !ok2 {
		return StochResult{}, false
	}
	return StochResult{K: ks, D: ds}, true
}

func OBV(closes, volumes []float64) (Series, bool) {
	if len(closes) == 0 || len(closes) != len(volumes) {
		return nil, false
	}
	return trim(talib.Obv(closes, volumes), 0)
}

func MFI(highs, lows, closes, volumes []float64, period int) (Series, bool) {
	if !sameLen(highs, lows, closes, volumes) || !validPeriod(period, 2) || len(closes) <= period {
		return nil, false
	}
	return trim(talib.Mfi(highs, lows, closes, volumes, period), period)
}

func WilliamsR(highs, lows, closes []float64, period int) (Series, bool) {
	if !sameLen(highs, lows, closes) || !validPeriod(period, 2) || len(closes) < period {
		return nil, false
	}
	return trim(talib.WillR(highs, lows, closes, period), period-1)
}

func CCI(highs, lows, closes []float64, period int) (Series, bool) {
	if !sameLen(highs, lows, closes) || !validPeriod(period, 2) || len(closes) < period {
		return nil, false
	}
	return trim(talib.Cci(highs, lows, closes, period), period-1)
}

func ADX(highs, lows, closes []float64, period int) (Series, bool) {
	if !sameLen(highs, lows, closes) || !validPeriod(period, 2) {
		return nil, false
	}
	lookback := 2*period - 1
	if len(closes) <= lookback {
		return nil, false
	}
	return trim(talib.Adx(highs, lows, closes, period), lookback)
}

func sameLen(series ...[]float64) bool {
	if len(series) == 0 {
		return false
	}
	n := len(series[0])
	for _, s := range series[1:] {
		if len(s) != n {
			return false
		}
	}
	return n > 0
}
