package backtest

import (
	"context"
	"testing"
	"time"

	"backtestd/internal/account"
	"backtestd/internal/ledger"
	"backtestd/internal/matching"
	"backtestd/internal/pkg/num"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestReporterThrottlesAndKeepsMax(t *testing.T) {
	repo := &progressRepo{MemoryRepository: NewMemoryRepository()}
	id := newExecution(t, repo)
	r := NewThrottledReporter(repo, id, fixedClock{t0}, 0.0001)
	ctx := context.Background()

	require.NoError(t, r.Progress(ctx, dec("10")))
	require.NoError(t, r.Progress(ctx, dec("20")))
	require.NoError(t, r.Progress(ctx, dec("15")))
	assert.Len(t, repo.writes, 1, "second write must be throttled")
	assert.True(t, r.Current().Equal(dec("20")))

	require.NoError(t, r.Progress(ctx, num.Hundred))
	assert.Len(t, repo.writes, 2)

	r.Log(LevelWarn, "price %s", "100%")
	require.NoError(t, r.Flush(ctx))
	exec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, exec.Progress.Equal(num.Hundred))
	require.Len(t, exec.Logs, 1)
	assert.Equal(t, "price 100%", exec.Logs[0].Message)
	assert.Equal(t, t0, exec.Logs[0].Timestamp)
}

func TestReporterTruncatesLogs(t *testing.T) {
	repo := NewMemoryRepository()
	r := NewThrottledReporter(repo, newExecution(t, repo), nil, 0)
	for i := 0; i < MaxLogEntries+10; i++ {
		r.Log(LevelInfo, "line %d", i)
	}
	logs := r.Logs()
	require.Len(t, logs, MaxLogEntries)
	assert.Equal(t, "log truncated", logs[len(logs)-1].Message)
}

func TestMemoryRepositoryFinalizeOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id := newExecution(t, repo)

	active, err := repo.ListActive(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.Error(t, repo.UpdateStatus(ctx, id, StatusFinished, t0))
	require.NoError(t, repo.UpdateStatus(ctx, id, StatusRunning, t0))
	require.NoError(t, repo.Finalize(ctx, id, StatusCanceled, nil, nil, t0))

	err = repo.Finalize(ctx, id, StatusFinished, &Result{}, nil, t0)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.ErrorIs(t, repo.UpdateProgress(ctx, id, num.Hundred, nil, t0), ErrAlreadyFinalized)

	exec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, exec.Status)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestMemoryRepositoryInterruptActive(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a := newExecution(t, repo)
	b := newExecution(t, repo)
	require.NoError(t, repo.Finalize(ctx, b, StatusFinished, &Result{}, nil, t0))

	n, err := repo.InterruptActive(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	exec, err := repo.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, exec.Status)
	exec, err = repo.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, exec.Status)
}

func TestLiquidateWithoutPosition(t *testing.T) {
	sim := matching.New(matching.FeeRates{Maker: num.MustRate("0.001"), Taker: num.MustRate("0.01")}, "USDT")
	acc, err := account.New(dec("1000"))
	require.NoError(t, err)
	l := ledger.New()
	last := hourly(t0, "10")[0]

	out, err := Liquidate(sim, l, acc, last)
	require.NoError(t, err)
	assert.Nil(t, out.Exit)
	assert.Empty(t, out.Canceled)
	assert.True(t, out.Account.Equity.Equal(dec("1000")))
}

func TestLiquidateLeavesInputUntouched(t *testing.T) {
	sim := matching.New(matching.FeeRates{Maker: num.MustRate("0.001"), Taker: num.MustRate("0.01")}, "USDT")
	acc, err := account.New(dec("1000"))
	require.NoError(t, err)
	l := ledger.New()
	bars := hourly(t0, "10", "10", "14")

	buy := ledger.Request{Type: ledger.TypeMarket, Side: ledger.SideEntry, Quantity: dec("10")}
	_, err = sim.Submit(l, acc, []ledger.Request{buy}, dec("10"), time.UnixMilli(bars[0].CloseTime))
	require.NoError(t, err)
	_, err = sim.Match(l, acc, bars[1])
	require.NoError(t, err)
	acc = account.Recompute(acc, l, bars[1].Close)

	out, err := Liquidate(sim, l, acc, bars[2])
	require.NoError(t, err)
	require.NotNil(t, out.Exit)
	assert.Equal(t, ledger.StatusFilled, out.Exit.Status)
	assert.True(t, out.Exit.Fee.Amount.Equal(dec("1.4")))
	assert.Empty(t, out.Ledger.Opening())
	assert.Len(t, l.Opening(), 1, "input ledger must not change")
}
