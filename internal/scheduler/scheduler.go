// Package scheduler admits backtest executions, one active execution per strategy, and runs
// them on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/logger"
	"backtestd/internal/pkg/num"
	"backtestd/internal/strategy"
)

var (
	ErrConcurrencyLimit = errors.New("exceeds concurrent execution limit")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrShuttingDown     = errors.New("scheduler is shutting down")
)

// InfrastructureError wraps a repository failure. The caller may retry.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *InfrastructureError) Unwrap() error { return e.Err }
func (e *InfrastructureError) Retryable() bool { return true }

// Runner executes one admitted execution and finalizes its record.
type Runner interface {
	Run(ctx context.Context, id backtest.ExecutionID, strat strategy.Config) (backtest.Status, error)
}

type Config struct {
	WorkerPoolSize   int
	ExecutionTimeout time.Duration
	// CancelWait bounds CancelExecution when the caller's context has no deadline.
	CancelWait          time.Duration
	DefaultMaxNumKlines int
}

const (
	defaultPoolSize         = 2
	defaultExecutionTimeout = 30 * time.Minute
	defaultCancelWait       = 10 * time.Second
)

// Accepted is returned for an admitted request.
type Accepted struct {
	ExecutionID backtest.ExecutionID `json:"execution_id"`
	CreatedAt   time.Time            `json:"created_at"`
}

type job struct {
	id       backtest.ExecutionID
	strategy strategy.ID
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

type Scheduler struct {
	cfg        Config
	strategies backtest.StrategyRepository
	repo       backtest.ExecutionRepository
	runner     Runner
	clock      backtest.Clock

	sem        chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[strategy.ID]*job
	byID   map[backtest.ExecutionID]*job
	closed bool
}

func New(cfg Config, strategies backtest.StrategyRepository, repo backtest.ExecutionRepository, runner Runner, clock backtest.Clock) (*Scheduler, error) {
	if strategies == nil || repo == nil || runner == nil {
		return nil, fmt.Errorf("scheduler 需要 strategy repository、execution repository 与 runner")
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaultPoolSize
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = defaultCancelWait
	}
	if clock == nil {
		clock = backtest.SystemClock{}
	}
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		cfg:        cfg,
		strategies: strategies,
		repo:       repo,
		runner:     runner,
		clock:      clock,
		sem:        make(chan struct{}, cfg.WorkerPoolSize),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		active:     make(map[strategy.ID]*job),
		byID:       make(map[backtest.ExecutionID]*job),
	}, nil
}

// RequestExecution admits a run of strategyID unless one is already PENDING or RUNNING. The
// active check and the record creation happen under one lock.
func (s *Scheduler) RequestExecution(ctx context.Context, strategyID strategy.ID) (Accepted, error) {
	strat, err := s.strategies.GetStrategy(ctx, strategyID)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			return Accepted{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
		}
		return Accepted{}, &InfrastructureError{Op: "load strategy", Err: err}
	}
	strat.Normalize(s.cfg.DefaultMaxNumKlines)
	if err := strat.Validate(); err != nil {
		return Accepted{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Accepted{}, ErrShuttingDown
	}
	if _, busy := s.active[strategyID]; busy {
		return Accepted{}, ErrConcurrencyLimit
	}
	existing, err := s.repo.ListActive(ctx, strategyID)
	if err != nil {
		return Accepted{}, &InfrastructureError{Op: "list active executions", Err: err}
	}
	if len(existing) > 0 {
		return Accepted{}, ErrConcurrencyLimit
	}

	now := s.clock.Now()
	exec := backtest.Execution{
		ID:         backtest.NewExecutionID(),
		StrategyID: strategyID,
		Status:     backtest.StatusPending,
		Progress:   num.Zero,
		Logs:       []backtest.LogEntry{{Timestamp: now, Level: backtest.LevelInfo, Message: "execution queued"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, exec); err != nil {
		return Accepted{}, &InfrastructureError{Op: "create execution", Err: err}
	}

	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	j := &job{id: exec.ID, strategy: strategyID, cancel: cancel, done: make(chan struct{})}
	s.active[strategyID] = j
	s.byID[exec.ID] = j
	s.wg.Add(1)
	go s.work(runCtx, j, strat)

	logger.Infof("[scheduler] 接受执行 %s strategy=%s", exec.ID, strategyID)
	return Accepted{ExecutionID: exec.ID, CreatedAt: now}, nil
}

func (s *Scheduler) work(ctx context.Context, j *job, strat strategy.Config) {
	defer s.wg.Done()
	defer s.release(j)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		cause := context.Cause(ctx)
		s.cleanup(j, backtest.StatusForCause(cause), fmt.Sprintf("stopped before start: %v", cause))
		return
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithTimeoutCause(ctx, s.cfg.ExecutionTimeout, backtest.ErrTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[scheduler] 执行 %s panic: %v", j.id, r)
			s.cleanup(j, backtest.StatusFailed, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	start := time.Now()
	status, err := s.runner.Run(runCtx, j.id, strat)
	if err != nil {
		logger.Warnf("[scheduler] 执行 %s 结束状态写入失败: %v", j.id, err)
		s.cleanup(j, status, err.Error())
		return
	}
	logger.Infof("[scheduler] 执行 %s 完成 status=%s 耗时=%s", j.id, status, time.Since(start).Truncate(time.Millisecond))
}

// cleanup finalizes a record the worker could not finalize itself. A record that is already
// terminal is left alone.
func (s *Scheduler) cleanup(j *job, status backtest.Status, reason string) {
	if !status.IsTerminal() {
		status = backtest.StatusFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := s.clock.Now()
	var logs []backtest.LogEntry
	if exec, err := s.repo.Get(ctx, j.id); err == nil {
		if exec.Status.IsTerminal() {
			return
		}
		logs = exec.Logs
	}
	level := backtest.LevelWarn
	if status == backtest.StatusFailed {
		level = backtest.LevelError
	}
	logs = append(logs, backtest.LogEntry{Timestamp: now, Level: level, Message: reason})
	err := s.repo.Finalize(ctx, j.id, status, nil, logs, now)
	if err != nil && !errors.Is(err, backtest.ErrAlreadyFinalized) {
		logger.Errorf("[scheduler] 执行 %s 收尾失败: %v", j.id, err)
	}
}

func (s *Scheduler) release(j *job) {
	s.mu.Lock()
	if s.active[j.strategy] == j {
		delete(s.active, j.strategy)
	}
	delete(s.byID, j.id)
	s.mu.Unlock()
	j.cancel(nil)
	close(j.done)
}

func (s *Scheduler) GetExecutionStatus(ctx context.Context, id backtest.ExecutionID) (backtest.Execution, error) {
	exec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, backtest.ErrExecutionNotFound) {
			return backtest.Execution{}, err
		}
		return backtest.Execution{}, &InfrastructureError{Op: "get execution", Err: err}
	}
	return exec, nil
}

// CancelExecution signals the worker and waits for the terminal record. Canceling a finished
// execution returns it unchanged.
func (s *Scheduler) CancelExecution(ctx context.Context, id backtest.ExecutionID) (backtest.Execution, error) {
	s.mu.Lock()
	j := s.byID[id]
	s.mu.Unlock()

	if j == nil {
		exec, err := s.GetExecutionStatus(ctx, id)
		if err != nil || exec.Status.IsTerminal() {
			return exec, err
		}
		// Active in the repository but not owned by this process.
		now := s.clock.Now()
		logs := append(exec.Logs, backtest.LogEntry{Timestamp: now, Level: backtest.LevelWarn, Message: "canceled without a live worker"})
		if err := s.repo.Finalize(ctx, id, backtest.StatusCanceled, nil, logs, now); err != nil && !errors.Is(err, backtest.ErrAlreadyFinalized) {
			return exec, &InfrastructureError{Op: "cancel execution", Err: err}
		}
		return s.GetExecutionStatus(ctx, id)
	}

	logger.Infof("[scheduler] 取消执行 %s", id)
	j.cancel(backtest.ErrCanceled)
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.CancelWait)
		defer cancel()
	}
	select {
	case <-j.done:
	case <-waitCtx.Done():
		return backtest.Execution{}, fmt.Errorf("wait for execution %s to stop: %w", id, waitCtx.Err())
	}
	return s.GetExecutionStatus(ctx, id)
}

// RecoverInterrupted marks executions left active by a previous process as INTERRUPTED. Call it
// before accepting requests.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := s.repo.InterruptActive(ctx, s.clock.Now())
	if err != nil {
		return 0, &InfrastructureError{Op: "interrupt stale executions", Err: err}
	}
	if n > 0 {
		logger.Warnf("[scheduler] 标记 %d 个遗留执行为 INTERRUPTED", n)
	}
	return n, nil
}

// Running returns the number of admitted executions that have not exited.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Shutdown stops admitting, interrupts every execution and waits for the workers.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.byID)
	s.mu.Unlock()
	if n > 0 {
		logger.Infof("[scheduler] 关闭中，中断 %d 个执行", n)
	}
	s.baseCancel(backtest.ErrInterrupted)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
