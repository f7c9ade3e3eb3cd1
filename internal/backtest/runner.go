package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"backtestd/internal/account"
	"backtestd/internal/ledger"
	"backtestd/internal/logger"
	"backtestd/internal/market"
	"backtestd/internal/matching"
	"backtestd/internal/pkg/num"
	"backtestd/internal/sandbox"
	"backtestd/internal/strategy"
)

type RunnerConfig struct {
	Sandbox        sandbox.Config
	ProgressPerSec float64
	RecordEquity   bool
}

// Runner replays one strategy against its klines.
type Runner struct {
	klines KlineSource
	repo   ExecutionRepository
	clock  Clock
	cfg    RunnerConfig
}

func NewRunner(klines KlineSource, repo ExecutionRepository, clock Clock, cfg RunnerConfig) *Runner {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Runner{klines: klines, repo: repo, clock: clock, cfg: cfg}
}

// session holds the mutable state of one run.
type session struct {
	id       ExecutionID
	strat    strategy.Config
	log      *slog.Logger
	reporter *ThrottledReporter
	sim      *matching.Simulator
	ledger   *ledger.Ledger
	account  account.Account
	equity   []EquityPoint
	start    int64
	end      int64
}

// Run executes id for strat and finalizes the record with exactly one terminal status, which it
// returns. The error is non-nil only when the record itself could not be written.
func (r *Runner) Run(ctx context.Context, id ExecutionID, strat strategy.Config) (Status, error) {
	s := &session{
		id:       id,
		strat:    strat,
		log:      logger.With("execution", string(id), "strategy", string(strat.ID)),
		reporter: NewThrottledReporter(r.repo, id, r.clock, r.cfg.ProgressPerSec),
	}
	if err := r.repo.UpdateStatus(ctx, id, StatusRunning, r.clock.Now()); err != nil {
		return r.finish(ctx, s, StatusFailed, fmt.Errorf("mark running: %w", err))
	}
	s.reporter.Log(LevelInfo, "execution started: %s %s %s", strat.Symbol, strat.Timeframe, strat.Language)

	status, err := r.replay(ctx, s)
	return r.finish(ctx, s, status, err)
}

func (r *Runner) replay(ctx context.Context, s *session) (Status, error) {
	strat := s.strat
	prog, err := sandbox.Compile(strat.Source, r.cfg.Sandbox)
	if err != nil {
		return StatusFailed, err
	}
	fees, err := feeRates(strat)
	if err != nil {
		return StatusFailed, err
	}
	acc, err := account.New(strat.InitialCapital)
	if err != nil {
		return StatusFailed, err
	}
	s.start, s.end, err = strat.Range()
	if err != nil {
		return StatusFailed, err
	}

	klines, err := r.klines.FetchKlines(ctx, KlineQuery{
		Exchange:  strat.Exchange,
		Symbol:    strat.Symbol,
		Timeframe: strat.Timeframe,
		Start:     s.start,
		End:       s.end,
		Warmup:    strat.MaxNumKlines,
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return StatusForCause(cause), cause
		}
		return StatusFailed, fmt.Errorf("fetch klines: %w", err)
	}
	first := firstInRange(klines, s.start)
	if first < 0 {
		return StatusFailed, fmt.Errorf("%w: %s %s", ErrNoKlines, strat.Symbol, strat.Timeframe)
	}
	s.reporter.Log(LevelInfo, "loaded %d klines (%d warm-up)", len(klines), first)

	s.sim = matching.New(fees, strat.Currency)
	s.ledger = ledger.New()
	s.account = account.Recompute(acc, s.ledger, klines[first].Close)
	s.record(klines[first])

	window := strat.MaxNumKlines
	last := len(klines) - 1
	for i := first; i < last; i++ {
		if err := ctx.Err(); err != nil {
			cause := context.Cause(ctx)
			return StatusForCause(cause), cause
		}
		if err := r.step(ctx, s, prog, klines, i, first, window); err != nil {
			var se *sandbox.Error
			if errors.As(err, &se) && se.Kind == sandbox.KindAborted {
				cause := context.Cause(ctx)
				return StatusForCause(cause), cause
			}
			return StatusFailed, err
		}
		pct := num.Percentage(klines[i+1].CloseTime, s.start, s.end)
		if err := s.reporter.Progress(ctx, pct); err != nil {
			s.log.Warn("progress write failed", "err", err)
		}
	}
	if err := ctx.Err(); err != nil {
		cause := context.Cause(ctx)
		return StatusForCause(cause), cause
	}

	liq, err := Liquidate(s.sim, s.ledger, s.account, klines[last])
	if err != nil {
		return StatusFailed, err
	}
	if liq.Exit != nil {
		s.reporter.Log(LevelInfo, "forced liquidation: sold %s at %s", liq.Exit.Quantity, liq.Exit.FilledPrice)
	}
	s.ledger, s.account = liq.Ledger, liq.Account
	s.equity[len(s.equity)-1].Equity = s.account.Equity
	_ = s.reporter.Progress(ctx, num.Hundred)
	return StatusFinished, nil
}

// step runs the script on bar i, then submits and matches against bar i+1. The session ledger is
// replaced only when the whole bar succeeds.
func (r *Runner) step(ctx context.Context, s *session, prog *sandbox.Program, klines []market.Kline, i, first, window int) error {
	lo := i - window + 1
	if lo < 0 {
		lo = 0
	}
	bar := klines[i]
	barIndex := i - first
	views, err := sandbox.BuildViews(sandbox.Input{
		Window:  klines[lo : i+1],
		Ledger:  s.ledger,
		Account: s.account,
		System: sandbox.SystemInfo{
			Symbol:     s.strat.Symbol,
			Timeframe:  s.strat.Timeframe,
			Currency:   s.strat.Currency,
			BarIndex:   barIndex,
			Time:       time.UnixMilli(bar.CloseTime).UTC(),
			RangeStart: time.UnixMilli(s.start).UTC(),
			RangeEnd:   time.UnixMilli(s.end).UTC(),
		},
	})
	if err != nil {
		return err
	}
	inv := prog.Invoke(ctx, barIndex, views)
	for _, line := range inv.Logs {
		s.reporter.Log(LevelInfo, "[bar %d] %s", barIndex, line)
	}
	logger.LogScript(string(s.id), string(s.strat.ID), barIndex, inv.Logs)
	if inv.Err != nil {
		return inv.Err
	}

	next := s.ledger.Clone()
	at := time.UnixMilli(bar.CloseTime).UTC()
	submitted, err := s.sim.Submit(next, s.account, inv.Actions, bar.Close, at)
	if err != nil {
		return fmt.Errorf("submit orders at bar %d: %w", barIndex, err)
	}
	for _, o := range submitted {
		if o.Status == ledger.StatusRejected {
			s.reporter.Log(LevelWarn, "order %s %s %s rejected: %s", o.ID, o.Type, o.Side, o.Reason)
		}
	}
	matched, err := s.sim.Match(next, s.account, klines[i+1])
	if err != nil {
		return fmt.Errorf("match orders at bar %d: %w", barIndex+1, err)
	}
	for _, o := range matched {
		if o.Status == ledger.StatusRejected {
			s.reporter.Log(LevelWarn, "order %s rejected at fill: %s", o.ID, o.Reason)
		}
	}
	s.ledger = next
	s.account = account.Recompute(s.account, next, klines[i+1].Close)
	s.record(klines[i+1])
	return nil
}

func (s *session) record(k market.Kline) {
	s.equity = append(s.equity, EquityPoint{
		Time:   time.UnixMilli(k.CloseTime).UTC(),
		Equity: s.account.Equity,
		Close:  k.Close,
	})
}

// finish writes the terminal record. Writes use a context detached from cancellation so a
// canceled run still lands its final status.
func (r *Runner) finish(ctx context.Context, s *session, status Status, cause error) (Status, error) {
	wctx := context.WithoutCancel(ctx)
	var result *Result
	switch status {
	case StatusFinished:
		s.reporter.Log(LevelInfo, "execution finished: equity %s, net return %s", s.account.Equity, s.account.NetReturn)
		result = s.result(r.cfg.RecordEquity)
		s.log.Info("[backtest] 回测完成", "equity", s.account.Equity.String())
	case StatusFailed:
		s.reporter.Log(LevelError, "execution failed at %s%%: %v", s.reporter.Current(), cause)
		s.log.Warn("[backtest] 回测失败", "err", cause)
	default:
		s.reporter.Log(LevelWarn, "execution %s at %s%%: %v", status, s.reporter.Current(), cause)
		s.log.Info("[backtest] 回测中止", "status", string(status))
	}
	if status != StatusFinished {
		// 节流可能吞掉最后一次进度。
		if err := s.reporter.Flush(wctx); err != nil {
			s.log.Warn("progress flush failed", "err", err)
		}
	}
	logs := s.reporter.Logs()
	if result != nil {
		result.Logs = logs
	}
	if err := r.repo.Finalize(wctx, s.id, status, result, logs, r.clock.Now()); err != nil {
		return status, fmt.Errorf("finalize %s as %s: %w", s.id, status, err)
	}
	return status, nil
}

func (s *session) result(withEquity bool) *Result {
	res := &Result{Account: s.account}
	if s.ledger != nil {
		res.Orders = OrderGroups{
			Filled:   nonCancel(s.ledger.ByStatus(ledger.StatusFilled)),
			Canceled: nonCancel(s.ledger.ByStatus(ledger.StatusCanceled)),
			Rejected: nonCancel(s.ledger.ByStatus(ledger.StatusRejected)),
		}
		res.Trades = TradeGroups{Opening: s.ledger.Opening(), Closed: s.ledger.Closed()}
	}
	if withEquity {
		res.EquityCurve = s.equity
	}
	return res
}

func nonCancel(orders []ledger.Order) []ledger.Order {
	out := make([]ledger.Order, 0, len(orders))
	for _, o := range orders {
		if o.Type != ledger.TypeCancel {
			out = append(out, o)
		}
	}
	return out
}

func feeRates(strat strategy.Config) (matching.FeeRates, error) {
	maker, err := num.NewRate(strat.MakerFeeRate)
	if err != nil {
		return matching.FeeRates{}, fmt.Errorf("maker fee rate: %w", err)
	}
	taker, err := num.NewRate(strat.TakerFeeRate)
	if err != nil {
		return matching.FeeRates{}, fmt.Errorf("taker fee rate: %w", err)
	}
	return matching.FeeRates{Maker: maker, Taker: taker}, nil
}

func firstInRange(klines []market.Kline, start int64) int {
	for i, k := range klines {
		if k.OpenTime >= start {
			return i
		}
	}
	return -1
}
