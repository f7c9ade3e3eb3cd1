package backtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"backtestd/internal/ledger"
	"backtestd/internal/market"
	"backtestd/internal/pkg/num"
	"backtestd/internal/sandbox"
	"backtestd/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// hourly builds flat klines starting at from, one per price.
func hourly(from time.Time, prices ...string) []market.Kline {
	out := make([]market.Kline, len(prices))
	for i, p := range prices {
		open := from.Add(time.Duration(i) * time.Hour).UnixMilli()
		out[i] = market.Kline{
			Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h",
			OpenTime: open, CloseTime: open + time.Hour.Milliseconds() - 1,
			Open: dec(p), High: dec(p), Low: dec(p), Close: dec(p),
			Volume: dec("5"),
		}
	}
	return out
}

type staticSource struct {
	klines []market.Kline
	last   KlineQuery
}

func (s *staticSource) FetchKlines(_ context.Context, q KlineQuery) ([]market.Kline, error) {
	s.last = q
	return s.klines, nil
}

// progressRepo records every progress write on top of the memory repository.
type progressRepo struct {
	*MemoryRepository
	mu     sync.Mutex
	writes []decimal.Decimal
}

func (p *progressRepo) UpdateProgress(ctx context.Context, id ExecutionID, progress decimal.Decimal, logs []LogEntry, at time.Time) error {
	p.mu.Lock()
	p.writes = append(p.writes, progress)
	p.mu.Unlock()
	return p.MemoryRepository.UpdateProgress(ctx, id, progress, logs, at)
}

func testStrategy(src string) strategy.Config {
	cfg := strategy.Config{
		ID:             "s1",
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		Currency:       "USDT",
		InitialCapital: dec("1000"),
		MakerFeeRate:   dec("0.001"),
		TakerFeeRate:   dec("0.01"),
		Start:          t0,
		End:            t0.Add(4 * time.Hour),
		Language:       "tengo",
		Source:         src,
	}
	cfg.Normalize(50)
	return cfg
}

func runnerConfig() RunnerConfig {
	sb := sandbox.DefaultConfig()
	sb.BarTimeout = 100 * time.Millisecond
	return RunnerConfig{Sandbox: sb, RecordEquity: true}
}

func newExecution(t *testing.T, repo ExecutionRepository) ExecutionID {
	t.Helper()
	id := NewExecutionID()
	require.NoError(t, repo.Create(context.Background(), Execution{
		ID: id, StrategyID: "s1", Status: StatusPending, Progress: num.Zero, CreatedAt: t0, UpdatedAt: t0,
	}))
	return id
}

const roundTripScript = `
order := import("order")
if system.bar_index == 0 {
	actions = append(actions, order.market("ENTRY", 10))
}
if system.bar_index == 2 {
	actions = append(actions, order.market("EXIT", 10))
}
`

func TestRunRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	src := &staticSource{klines: hourly(t0, "10", "10", "12", "12", "14")}
	r := NewRunner(src, repo, nil, runnerConfig())
	id := newExecution(t, repo)

	status, err := r.Run(context.Background(), id, testStrategy(roundTripScript))
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, status)

	exec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, exec.Status)
	assert.True(t, exec.Progress.Equal(num.Hundred))
	assert.False(t, exec.FinishedAt.IsZero())
	require.NotNil(t, exec.Result)

	res := exec.Result
	assert.True(t, res.Account.Equity.Equal(dec("1017.8")), res.Account.Equity.String())
	assert.True(t, res.Account.NetReturn.Equal(dec("17.8")))
	assert.True(t, res.Account.TotalFees.Equal(dec("2.2")))
	assert.Len(t, res.Orders.Filled, 2)
	assert.Empty(t, res.Trades.Opening)
	require.Len(t, res.Trades.Closed, 1)
	assert.True(t, res.Trades.Closed[0].NetReturn.Equal(dec("17.8")))
	assert.Len(t, res.EquityCurve, 5)
	assert.NotEmpty(t, res.Logs)

	assert.Equal(t, "BTCUSDT", src.last.Symbol)
	assert.Equal(t, 50, src.last.Warmup)
}

func TestRunForcedLiquidation(t *testing.T) {
	script := `
order := import("order")
if system.bar_index == 0 {
	actions = append(actions, order.market("ENTRY", 10))
}
if system.bar_index == 1 {
	actions = append(actions, order.limit("ENTRY", 1, 1))
}
`
	repo := NewMemoryRepository()
	r := NewRunner(&staticSource{klines: hourly(t0, "10", "10", "12", "12", "14")}, repo, nil, runnerConfig())
	id := newExecution(t, repo)

	status, err := r.Run(context.Background(), id, testStrategy(script))
	require.NoError(t, err)
	require.Equal(t, StatusFinished, status)

	exec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	res := exec.Result
	require.NotNil(t, res)
	assert.Empty(t, res.Trades.Opening)
	assert.True(t, res.Account.InOrdersAsset.IsZero())
	assert.True(t, res.Account.InOrdersCapital.IsZero())
	require.Len(t, res.Orders.Canceled, 1)
	assert.Equal(t, ledger.TypeLimit, res.Orders.Canceled[0].Type)

	// entry 10x10 fee 1, liquidation 10x14 fee 1.4
	assert.True(t, res.Account.NetReturn.Equal(dec("37.6")), res.Account.NetReturn.String())
	assert.True(t, res.Account.Equity.Equal(dec("1037.6")))
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.True(t, last.Equity.Equal(res.Account.Equity))

	identity := res.Account.InitialCapital.Add(res.Account.NetReturn).Add(res.Account.OpenReturn)
	assert.True(t, identity.Equal(res.Account.Equity))
}

func TestRunWarmupWindow(t *testing.T) {
	script := `
if system.bar_index == 0 {
	log("window", len(klines))
}
`
	klines := hourly(t0.Add(-2*time.Hour), "9", "9", "10", "10", "12", "12", "14")
	repo := NewMemoryRepository()
	r := NewRunner(&staticSource{klines: klines}, repo, nil, runnerConfig())
	id := newExecution(t, repo)

	strat := testStrategy(script)
	strat.MaxNumKlines = 3
	status, err := r.Run(context.Background(), id, strat)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, status)

	exec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	found := false
	for _, e := range exec.Logs {
		if e.Message == "[bar 0] window 3" {
			found = true
		}
	}
	assert.True(t, found, "script log missing: %+v", exec.Logs)
	assert.Len(t, exec.Result.EquityCurve, 5)
}

func TestRunProgressMonotonic(t *testing.T) {
	repo := &progressRepo{MemoryRepository: NewMemoryRepository()}
	r := NewRunner(&staticSource{klines: hourly(t0, "10", "11", "12", "13", "14")}, repo, nil, runnerConfig())
	id := newExecution(t, repo)

	status, err := r.Run(context.Background(), id, testStrategy("x := 1"))
	require.NoError(t, err)
	require.Equal(t, StatusFinished, status)

	require.NotEmpty(t, repo.writes)
	prev := num.Zero
	for _, w := range repo.writes {
		assert.True(t, w.GreaterThanOrEqual(prev), "progress went back: %s < %s", w, prev)
		assert.True(t, w.GreaterThanOrEqual(num.Zero) && w.LessThanOrEqual(num.Hundred))
		prev = w
	}
	assert.True(t, prev.Equal(num.Hundred))
	assert.True(t, repo.writes[0].Equal(dec("50")), repo.writes[0].String())
}

func TestRunFailures(t *testing.T) {
	cases := map[string]string{
		"runtime error": "x := 1\ny := x / 0",
		"syntax error":  "x := ",
		"timeout":       "for {}",
		"bad action":    `actions = append(actions, {type: "MARKET", side: "UP", quantity: 1})`,
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			repo := NewMemoryRepository()
			r := NewRunner(&staticSource{klines: hourly(t0, "10", "11", "12")}, repo, nil, runnerConfig())
			id := newExecution(t, repo)

			status, err := r.Run(context.Background(), id, testStrategy(script))
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, status)

			exec, err := repo.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, exec.Status)
			assert.Nil(t, exec.Result)
			require.NotEmpty(t, exec.Logs)
			lastLog := exec.Logs[len(exec.Logs)-1]
			assert.Equal(t, LevelError, lastLog.Level)
			assert.Contains(t, lastLog.Message, "sandbox")
		})
	}
}

func TestRunNoKlines(t *testing.T) {
	repo := NewMemoryRepository()
	r := NewRunner(&staticSource{}, repo, nil, runnerConfig())
	id := newExecution(t, repo)
	status, err := r.Run(context.Background(), id, testStrategy("x := 1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestRunContextCauses(t *testing.T) {
	cases := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
		want Status
	}{
		{"user cancel", func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancelCause(context.Background())
			cancel(ErrCanceled)
			return ctx, func() {}
		}, StatusCanceled},
		{"shutdown", func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancelCause(context.Background())
			cancel(ErrInterrupted)
			return ctx, func() {}
		}, StatusInterrupted},
		{"deadline", func() (context.Context, context.CancelFunc) {
			return context.WithDeadlineCause(context.Background(), time.Now().Add(-time.Second), ErrTimeout)
		}, StatusTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			r := NewRunner(&staticSource{klines: hourly(t0, "10", "11", "12")}, repo, nil, runnerConfig())
			id := newExecution(t, repo)
			ctx, cancel := tc.ctx()
			defer cancel()

			status, err := r.Run(ctx, id, testStrategy(roundTripScript))
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
			exec, err := repo.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, exec.Status)
		})
	}
}

func TestStatusForCause(t *testing.T) {
	assert.Equal(t, StatusTimeout, StatusForCause(ErrTimeout))
	assert.Equal(t, StatusCanceled, StatusForCause(ErrCanceled))
	assert.Equal(t, StatusInterrupted, StatusForCause(ErrInterrupted))
	assert.Equal(t, StatusTimeout, StatusForCause(context.DeadlineExceeded))
	assert.Equal(t, StatusCanceled, StatusForCause(context.Canceled))
	assert.Equal(t, StatusFailed, StatusForCause(assert.AnError))
}

func TestRunFailureFlushesThrottledProgress(t *testing.T) {
	repo := &progressRepo{MemoryRepository: NewMemoryRepository()}
	cfg := runnerConfig()
	cfg.ProgressPerSec = 0.0001
	r := NewRunner(&staticSource{klines: hourly(t0, "10", "11", "12", "13", "14")}, repo, nil, cfg)
	id := newExecution(t, repo)

	script := "if system.bar_index == 2 {\n\tx := 0\n\ty := 1 / x\n}"
	status, err := r.Run(context.Background(), id, testStrategy(script))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)

	require.Len(t, repo.writes, 2, "one throttled write plus the flush")
	flushed := repo.writes[1]
	assert.True(t, flushed.GreaterThan(repo.writes[0]), "%s <= %s", flushed, repo.writes[0])
	assert.True(t, flushed.LessThan(num.Hundred))

	exec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.True(t, exec.Progress.Equal(flushed), exec.Progress.String())
	lastLog := exec.Logs[len(exec.Logs)-1]
	assert.Contains(t, lastLog.Message, "execution failed at "+flushed.String()+"%")
}
