package klines

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"backtestd/internal/market"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// FileSource reads candles from JSON files named <dir>/<SYMBOL>_<interval>.json. Each file holds
// an array of either Binance style rows ([openTime, "open", "high", "low", "close", "volume",
// closeTime, "quoteVolume", trades]) or objects with open_time/open/high/low/close/volume keys.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) (*FileSource, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file source 需要 dir")
	}
	return &FileSource{dir: dir}, nil
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Path(symbol, interval string) string {
	return filepath.Join(f.dir, strings.ToUpper(symbol)+"_"+strings.ToLower(interval)+".json")
}

func (f *FileSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path(req.Symbol, req.Interval))
	if err != nil {
		return nil, fmt.Errorf("read kline file: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("kline file %s is not valid json", filepath.Base(f.Path(req.Symbol, req.Interval)))
	}
	tf, err := market.ParseTimeframe(req.Interval)
	if err != nil {
		return nil, err
	}

	var out []market.Kline
	var parseErr error
	gjson.ParseBytes(raw).ForEach(func(_, row gjson.Result) bool {
		k, err := fileKline(row, tf)
		if err != nil {
			parseErr = err
			return false
		}
		k.Exchange = f.Name()
		k.Symbol = strings.ToUpper(req.Symbol)
		k.Timeframe = tf.Key
		if k.OpenTime < req.Start || (req.End > 0 && k.OpenTime > req.End) {
			return true
		}
		out = append(out, k)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func fileKline(row gjson.Result, tf market.Timeframe) (market.Kline, error) {
	var k market.Kline
	var fields [6]gjson.Result
	if row.IsArray() {
		cols := row.Array()
		if len(cols) < 6 {
			return k, fmt.Errorf("kline row has %d columns", len(cols))
		}
		k.OpenTime = cols[0].Int()
		copy(fields[:5], cols[1:6])
		if len(cols) > 6 {
			k.CloseTime = cols[6].Int()
		}
		if len(cols) > 7 {
			fields[5] = cols[7]
		}
		if len(cols) > 8 {
			k.Trades = cols[8].Int()
		}
	} else {
		k.OpenTime = row.Get("open_time").Int()
		k.CloseTime = row.Get("close_time").Int()
		k.Trades = row.Get("trades").Int()
		for i, key := range []string{"open", "high", "low", "close", "volume", "quote_volume"} {
			fields[i] = row.Get(key)
		}
	}
	if k.CloseTime == 0 {
		k.CloseTime = k.OpenTime + tf.DurationMillis() - 1
	}
	dst := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.QuoteVolume}
	for i, res := range fields {
		if !res.Exists() {
			*dst[i] = decimal.Zero
			continue
		}
		v, err := decimal.NewFromString(res.String())
		if err != nil {
			return k, fmt.Errorf("kline %d: parse %q: %w", k.OpenTime, res.String(), err)
		}
		*dst[i] = v
	}
	return k, nil
}
