package klines

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hour   = time.Hour.Milliseconds()
	btc1h  = Series{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h"}
	tfHour = market.Timeframe{Key: "1h", Duration: time.Hour, SourceInterval: "1h"}
)

func genKlines(from time.Time, n int) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		open := from.Add(time.Duration(i) * time.Hour).UnixMilli()
		p := decimal.NewFromInt(int64(100 + i))
		out[i] = market.Kline{
			Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h",
			OpenTime: open, CloseTime: open + hour - 1,
			Open: p, High: p.Add(decimal.NewFromInt(1)), Low: p.Sub(decimal.NewFromInt(1)), Close: p,
			Volume: decimal.RequireFromString("1.5"), QuoteVolume: decimal.RequireFromString("150.25"), Trades: 3,
		}
	}
	return out
}

// fakeSource serves klines from an in-memory history and counts calls.
type fakeSource struct {
	history []market.Kline
	calls   atomic.Int32
	err     error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, req FetchRequest) ([]market.Kline, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var out []market.Kline
	for _, k := range f.history {
		if k.OpenTime < req.Start || (req.End > 0 && k.OpenTime > req.End) {
			continue
		}
		out = append(out, k)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	data := genKlines(t0, 10)

	n, err := st.InsertKlines(ctx, btc1h, data)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	// Upsert keeps one row per open time.
	_, err = st.InsertKlines(ctx, btc1h, data[:3])
	require.NoError(t, err)

	got, err := st.RangeKlines(ctx, btc1h, data[2].OpenTime, data[5].OpenTime)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, data[2].OpenTime, got[0].OpenTime)
	assert.True(t, got[0].Close.Equal(data[2].Close))
	assert.True(t, got[0].QuoteVolume.Equal(decimal.RequireFromString("150.25")))
	assert.Equal(t, int64(3), got[0].Trades)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)

	before, err := st.LastBefore(ctx, btc1h, data[5].OpenTime, 2)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, data[3].OpenTime, before[0].OpenTime)
	assert.Equal(t, data[4].OpenTime, before[1].OpenTime)

	m, err := st.Manifest(ctx, btc1h)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.Rows)
	assert.Equal(t, data[0].OpenTime, m.MinTime)
	assert.Equal(t, data[9].OpenTime, m.MaxTime)
	assert.Equal(t, filepath.Join("binance", "BTCUSDT", "1h.db"), m.Path[len(m.Path)-len(filepath.Join("binance", "BTCUSDT", "1h.db")):])
}

func TestStoreIntegrity(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	data := genKlines(t0, 10)
	_, err := st.InsertKlines(ctx, btc1h, append(append([]market.Kline{}, data[:3]...), data[6:8]...))
	require.NoError(t, err)

	report, err := st.CheckIntegrity(ctx, btc1h, tfHour, data[0].OpenTime, data[9].OpenTime)
	require.NoError(t, err)
	assert.False(t, report.Complete())
	assert.Equal(t, int64(10), report.Expected)
	assert.Equal(t, int64(5), report.Present)
	assert.Equal(t, []Gap{
		{From: data[3].OpenTime, To: data[5].OpenTime},
		{From: data[8].OpenTime, To: data[9].OpenTime},
	}, report.Gaps)
}

func TestBuildReportComplete(t *testing.T) {
	report := buildReport(tfHour, 0, 2*hour, []int64{0, hour, 2 * hour})
	assert.True(t, report.Complete())
	assert.Empty(t, report.Gaps)

	report = buildReport(tfHour, 0, 2*hour, nil)
	assert.Equal(t, []Gap{{From: 0, To: 2 * hour}}, report.Gaps)
}

func TestDropUnclosed(t *testing.T) {
	data := genKlines(t0, 3)
	lastClose := time.UnixMilli(data[2].CloseTime)

	assert.Len(t, DropUnclosed(data, lastClose, DefaultCloseGrace), 2)
	assert.Len(t, DropUnclosed(data, lastClose.Add(DefaultCloseGrace), DefaultCloseGrace), 3)
	assert.Len(t, DropUnclosed(data, lastClose, -time.Second), 3)
	assert.Empty(t, DropUnclosed(nil, lastClose, 0))
}

func TestFetcherFillsAndCaches(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{history: genKlines(t0, 48)}
	f, err := NewFetcher(FetcherConfig{Store: st, Sources: map[string]Source{"Binance": src}, MaxBatch: 10})
	require.NoError(t, err)
	f.limiter.SetLimit(1e6)
	f.limiter.SetBurst(1000)

	q := backtest.KlineQuery{
		Exchange: "binance", Symbol: "btcusdt", Timeframe: "1h",
		Start: t0.Add(20 * time.Hour).UnixMilli(), End: t0.Add(29 * time.Hour).UnixMilli(), Warmup: 5,
	}
	got, err := f.FetchKlines(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, got, 15)
	assert.Equal(t, t0.Add(15*time.Hour).UnixMilli(), got[0].OpenTime)
	assert.Equal(t, t0.Add(29*time.Hour).UnixMilli(), got[14].OpenTime)
	assert.Equal(t, int32(2), src.calls.Load())

	again, err := f.FetchKlines(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, again, 15)
	assert.Equal(t, int32(2), src.calls.Load(), "cached range must not hit the source")
}

func TestFetcherWarmupShortHistory(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{history: genKlines(t0, 10)}
	f, err := NewFetcher(FetcherConfig{Store: st, Sources: map[string]Source{"binance": src}})
	require.NoError(t, err)
	f.limiter.SetLimit(1e6)

	got, err := f.FetchKlines(context.Background(), backtest.KlineQuery{
		Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h",
		Start: t0.Add(2 * time.Hour).UnixMilli(), End: t0.Add(5 * time.Hour).UnixMilli(), Warmup: 50,
	})
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, t0.UnixMilli(), got[0].OpenTime)
}

func TestFetcherErrors(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	offline, err := NewFetcher(FetcherConfig{Store: st, Offline: true})
	require.NoError(t, err)
	_, err = offline.FetchKlines(ctx, backtest.KlineQuery{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h", Start: t0.UnixMilli(), End: t0.Add(time.Hour).UnixMilli()})
	assert.ErrorIs(t, err, backtest.ErrNoKlines)

	_, err = offline.FetchKlines(ctx, backtest.KlineQuery{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "7m"})
	assert.Error(t, err)

	online, err := NewFetcher(FetcherConfig{Store: st, Sources: map[string]Source{"binance": &fakeSource{err: errors.New("boom")}}})
	require.NoError(t, err)
	_, err = online.FetchKlines(ctx, backtest.KlineQuery{Exchange: "okx", Symbol: "BTCUSDT", Timeframe: "1h", Start: t0.UnixMilli(), End: t0.Add(time.Hour).UnixMilli()})
	assert.ErrorIs(t, err, ErrUnknownExchange)
	_, err = online.FetchKlines(ctx, backtest.KlineQuery{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h", Start: t0.UnixMilli(), End: t0.Add(time.Hour).UnixMilli()})
	assert.ErrorContains(t, err, "boom")

	_, err = NewFetcher(FetcherConfig{Store: st})
	assert.Error(t, err)
}

func TestFetcherRejectsGappedSeries(t *testing.T) {
	st := newStore(t)
	data := genKlines(t0, 6)
	_, err := st.InsertKlines(context.Background(), btc1h, append(append([]market.Kline{}, data[:2]...), data[4:]...))
	require.NoError(t, err)
	f, err := NewFetcher(FetcherConfig{Store: st, Offline: true})
	require.NoError(t, err)

	_, err = f.FetchKlines(context.Background(), backtest.KlineQuery{
		Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h",
		Start: data[0].OpenTime, End: data[5].OpenTime,
	})
	assert.ErrorIs(t, err, market.ErrKlineGap)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	rows := `[
		[1704067200000, "100", "101", "99", "100.5", "10", 1704070799999, "1005", 7],
		{"open_time": 1704070800000, "open": "100.5", "high": "102", "low": "100", "close": "101", "volume": "3"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT_1h.json"), []byte(rows), 0o644))
	src, err := NewFileSource(dir)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background(), FetchRequest{Symbol: "btcusdt", Interval: "1h", Start: 0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].Trades)
	assert.True(t, got[0].QuoteVolume.Equal(decimal.NewFromInt(1005)))
	assert.Equal(t, int64(1704074399999), got[1].CloseTime)
	assert.True(t, got[1].Close.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, "BTCUSDT", got[1].Symbol)
	require.NoError(t, market.ValidateSeries(got, tfHour))

	limited, err := src.Fetch(context.Background(), FetchRequest{Symbol: "BTCUSDT", Interval: "1h", Start: 1704070800000})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ETHUSDT_1h.json"), []byte(`[{"open_time": 1, "close": "x"}]`), 0o644))
	_, err = src.Fetch(context.Background(), FetchRequest{Symbol: "ETHUSDT", Interval: "1h"})
	assert.Error(t, err)

	_, err = src.Fetch(context.Background(), FetchRequest{Symbol: "SOLUSDT", Interval: "1h"})
	assert.Error(t, err)
}

func TestBinanceSource(t *testing.T) {
	data := genKlines(t0, 3)
	var gotPath, gotSymbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSymbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i, k := range data {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `[%d,"%s","%s","%s","%s","%s",%d,"%s",%d,"0","0","0"]`,
				k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime, k.QuoteVolume, k.Trades)
		}
		fmt.Fprint(w, "]")
	}))
	defer srv.Close()

	src := NewBinanceSource(BinanceConfig{BaseURL: srv.URL, HTTPTimeout: time.Second})
	// The last kline is still open at this instant.
	src.now = func() time.Time { return time.UnixMilli(data[2].CloseTime - 1) }

	got, err := src.Fetch(context.Background(), FetchRequest{Symbol: "btcusdt", Interval: "1h", Start: data[0].OpenTime, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, "/fapi/v1/klines", gotPath)
	assert.Equal(t, "BTCUSDT", gotSymbol)
	require.Len(t, got, 2)
	assert.Equal(t, data[1].OpenTime, got[1].OpenTime)
	assert.True(t, got[1].High.Equal(data[1].High))
	assert.Equal(t, "binance", got[0].Exchange)

	_, err = src.Fetch(context.Background(), FetchRequest{Interval: "1h"})
	assert.Error(t, err)
}

func TestFetcherBreakerOpensAfterFailures(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{err: errors.New("boom")}
	f, err := NewFetcher(FetcherConfig{
		Store:            st,
		Sources:          map[string]Source{"binance": src},
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	require.NoError(t, err)
	q := backtest.KlineQuery{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h", Start: t0.UnixMilli(), End: t0.Add(time.Hour).UnixMilli()}

	for i := 0; i < 2; i++ {
		_, err = f.FetchKlines(context.Background(), q)
		assert.ErrorContains(t, err, "boom")
	}
	_, err = f.FetchKlines(context.Background(), q)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestBreakerHalfOpenTrialCall(t *testing.T) {
	now := t0
	b := newBreaker("fake", 1, time.Minute, func() time.Time { return now })
	require.True(t, b.allow())
	b.record(errors.New("boom"))
	assert.False(t, b.allow())

	now = now.Add(2 * time.Minute)
	require.True(t, b.allow())
	assert.Equal(t, stateHalfOpen, b.state)
	b.record(errors.New("boom again"))
	assert.Equal(t, stateOpen, b.state)

	now = now.Add(2 * time.Minute)
	require.True(t, b.allow())
	b.record(nil)
	assert.Equal(t, stateClosed, b.state)
	assert.True(t, b.allow())
}
