package klines

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/logger"
	"backtestd/internal/market"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var ErrUnknownExchange = errors.New("unknown kline source")

// FetcherConfig 配置 Fetcher。
type FetcherConfig struct {
	Store           *Store
	Sources         map[string]Source
	RateLimitPerMin int
	MaxBatch        int
	// Offline serves only what the store already holds.
	Offline bool

	// BreakerThreshold consecutive source failures open the breaker for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Fetcher serves backtest kline queries from the local store and fills missing slots from
// the configured source first.
type Fetcher struct {
	store    *Store
	sources  map[string]Source
	breakers map[string]*breaker
	maxBatch int
	offline  bool
	limiter  *rate.Limiter
	group    singleflight.Group
	now      func() time.Time
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 && !cfg.Offline {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	f := &Fetcher{
		store:    cfg.Store,
		sources:  make(map[string]Source, len(cfg.Sources)),
		breakers: make(map[string]*breaker, len(cfg.Sources)),
		maxBatch: maxBatch,
		offline:  cfg.Offline,
		limiter:  rate.NewLimiter(ratePerSec, 1),
		now:      time.Now,
	}
	for k, v := range cfg.Sources {
		name := strings.ToLower(k)
		f.sources[name] = v
		f.breakers[name] = newBreaker(name, cfg.BreakerThreshold, cfg.BreakerCooldown, func() time.Time { return f.now() })
	}
	return f, nil
}

// FetchKlines returns the closed klines with open time in [q.Start, q.End] preceded by up to
// q.Warmup earlier klines. The series is validated before it is returned.
func (f *Fetcher) FetchKlines(ctx context.Context, q backtest.KlineQuery) ([]market.Kline, error) {
	tf, err := market.ParseTimeframe(q.Timeframe)
	if err != nil {
		return nil, err
	}
	series := Series{Exchange: strings.ToLower(q.Exchange), Symbol: strings.ToUpper(q.Symbol), Timeframe: tf.Key}
	if err := series.valid(); err != nil {
		return nil, err
	}
	start, end := tf.AlignRange(q.Start, q.End)
	warmup := q.Warmup
	if warmup < 0 {
		warmup = 0
	}
	from := start - int64(warmup)*tf.DurationMillis()

	if !f.offline {
		if err := f.fill(ctx, series, tf, from, end); err != nil {
			return nil, err
		}
	}

	inRange, err := f.store.RangeKlines(ctx, series, start, end)
	if err != nil {
		return nil, fmt.Errorf("load klines: %w", err)
	}
	if len(inRange) == 0 {
		return nil, fmt.Errorf("%w: %s %s [%d,%d]", backtest.ErrNoKlines, series.Symbol, series.Timeframe, start, end)
	}
	before, err := f.store.LastBefore(ctx, series, inRange[0].OpenTime, warmup)
	if err != nil {
		return nil, fmt.Errorf("load warmup klines: %w", err)
	}
	out := append(before, inRange...)
	if err := market.ValidateSeries(out, tf); err != nil {
		return nil, err
	}
	return out, nil
}

// fill 拉取缺口。同一 series 的并发请求共享一次拉取。
func (f *Fetcher) fill(ctx context.Context, series Series, tf market.Timeframe, start, end int64) error {
	src := f.sources[series.Exchange]
	if src == nil {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, series.Exchange)
	}
	br := f.breakers[series.Exchange]
	// Slots whose candle has not closed yet cannot be filled.
	step := tf.DurationMillis()
	if latest := f.now().UnixMilli() - step; end > latest {
		end = latest - latest%step
	}
	if end < start {
		return nil
	}
	key := series.key() + ":" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10)
	_, err, _ := f.group.Do(key, func() (any, error) {
		return nil, f.fillGaps(ctx, series, tf, src, br, start, end)
	})
	return err
}

func (f *Fetcher) fillGaps(ctx context.Context, series Series, tf market.Timeframe, src Source, br *breaker, start, end int64) error {
	report, err := f.store.CheckIntegrity(ctx, series, tf, start, end)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if report.Complete() {
		return nil
	}
	logger.Infof("[klines] %s 缺口=%d 预计=%d 已有=%d，开始从 %s 拉取", series.key(), len(report.Gaps), report.Expected, report.Present, src.Name())
	step := tf.DurationMillis()
	total := 0
	for _, gap := range report.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if !br.allow() {
				return fmt.Errorf("%w: %s", ErrSourceUnavailable, src.Name())
			}
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining > f.maxBatch {
				remaining = f.maxBatch
			}
			data, err := src.Fetch(ctx, FetchRequest{
				Symbol:   series.Symbol,
				Interval: tf.SourceInterval,
				Start:    cursor,
				End:      gap.To + step - 1,
				Limit:    remaining,
			})
			if ctx.Err() == nil {
				br.record(err)
			}
			if err != nil {
				return fmt.Errorf("%s 拉取失败: %w", src.Name(), err)
			}
			if len(data) == 0 {
				logger.Warnf("[klines] %s 区间 [%d,%d] 拉取为空", series.key(), cursor, gap.To)
				break
			}
			for i := range data {
				data[i].Exchange = series.Exchange
				data[i].Symbol = series.Symbol
				data[i].Timeframe = series.Timeframe
			}
			inserted, err := f.store.InsertKlines(ctx, series, data)
			if err != nil {
				return fmt.Errorf("写入失败: %w", err)
			}
			total += inserted
			next := data[len(data)-1].OpenTime + step
			if next <= cursor {
				break
			}
			cursor = next
		}
	}
	logger.Infof("[klines] %s 拉取完成，写入 %d 根", series.key(), total)
	return nil
}

// Manifest 读取本地 manifest。
func (f *Fetcher) Manifest(ctx context.Context, exchange, symbol, timeframe string) (Manifest, error) {
	return f.store.Manifest(ctx, Series{Exchange: exchange, Symbol: symbol, Timeframe: timeframe})
}
