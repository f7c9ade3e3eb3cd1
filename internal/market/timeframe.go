package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe maps a kline interval key to its duration and the exchange interval name.
type Timeframe struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"3m":  {Key: "3m", Duration: 3 * time.Minute, SourceInterval: "3m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"2h":  {Key: "2h", Duration: 2 * time.Hour, SourceInterval: "2h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"6h":  {Key: "6h", Duration: 6 * time.Hour, SourceInterval: "6h"},
	"12h": {Key: "12h", Duration: 12 * time.Hour, SourceInterval: "12h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"3d":  {Key: "3d", Duration: 72 * time.Hour, SourceInterval: "3d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseTimeframe returns the normalized timeframe for input.
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes returns every key, sorted.
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (tf Timeframe) DurationMillis() int64 {
	return tf.Duration.Milliseconds()
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange snaps millisecond bounds onto the timeframe grid, keeping start <= end.
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.DurationMillis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedKlines counts the grid slots in [start, end].
func (tf Timeframe) ExpectedKlines(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := tf.DurationMillis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
