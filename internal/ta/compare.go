package ta

import "math"

// Crossover reports whether a crossed above b on the newest value: a[n] > b[n] while
// a[n-1] <= b[n-1].
func Crossover(a, b []float64) bool {
	a0, a1, b0, b1, ok := lastPairs(a, b)
	if !ok {
		return false
	}
	return a1 > b1 && a0 <= b0
}

// Crossunder is the mirror of Crossover.
func Crossunder(a, b []float64) bool {
	a0, a1, b0, b1, ok := lastPairs(a, b)
	if !ok {
		return false
	}
	return a1 < b1 && a0 >= b0
}

func lastPairs(a, b []float64) (a0, a1, b0, b1 float64, ok bool) {
	if len(a) < 2 || len(b) < 2 {
		return 0, 0, 0, 0, false
	}
	a0, a1 = a[len(a)-2], a[len(a)-1]
	b0, b1 = b[len(b)-2], b[len(b)-1]
	for _, v := range []float64{a0, a1, b0, b1} {
		if math.IsNaN(v) {
			return 0, 0, 0, 0, false
		}
	}
	return a0, a1, b0, b1, true
}

// Rising reports a strictly increasing run over exactly the trailing period values.
func Rising(values []float64, period int) bool {
	return monotonic(values, period, func(prev, cur float64) bool { return cur > prev })
}

// Falling reports a strictly decreasing run over exactly the trailing period values.
func Falling(values []float64, period int) bool {
	return monotonic(values, period, func(prev, cur float64) bool { return cur < prev })
}

func monotonic(values []float64, period int, step func(prev, cur float64) bool) bool {
	if period < 2 || len(values) < period {
		return false
	}
	window := values[len(values)-period:]
	for i, v := range window {
		if math.IsNaN(v) {
			return false
		}
		if i > 0 && !step(window[i-1], v) {
			return false
		}
	}
	return true
}

// Highest scans the trailing period values, skipping NaN.
func Highest(values []float64, period int) (float64, bool) {
	return extreme(values, period, func(cur, best float64) bool { return cur > best })
}

// Lowest scans the trailing period values, skipping NaN.
func Lowest(values []float64, period int) (float64, bool) {
	return extreme(values, period, func(cur, best float64) bool { return cur < best })
}

func extreme(values []float64, period int, better func(cur, best float64) bool) (float64, bool) {
	if period < 1 || len(values) < period {
		return math.NaN(), false
	}
	best := math.NaN()
	found := false
	for _, v := range values[len(values)-period:] {
		if math.IsNaN(v) {
			continue
		}
		if !found || better(v, best) {
			best = v
			found = true
		}
	}
	return best, found
}

// Change returns values[n] - values[n-length].
func Change(values []float64, length int) (float64, bool) {
	if length < 1 || len(values) <= length {
		return math.NaN(), false
	}
	cur, prev := values[len(values)-1], values[len(values)-1-length]
	if math.IsNaN(cur) || math.IsNaN(prev) {
		return math.NaN(), false
	}
	return cur - prev, true
}
