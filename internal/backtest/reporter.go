package backtest

import (
	"context"
	"fmt"
	"sync"

	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// MaxLogEntries caps the user-visible log of one execution.
const MaxLogEntries = 2000

// ThrottledReporter buffers execution logs and writes progress through the repository at most
// ratePerSec times per second. Progress never goes backwards.
type ThrottledReporter struct {
	repo    ExecutionRepository
	id      ExecutionID
	clock   Clock
	limiter *rate.Limiter

	mu        sync.Mutex
	progress  decimal.Decimal
	logs      []LogEntry
	truncated bool
}

func NewThrottledReporter(repo ExecutionRepository, id ExecutionID, clock Clock, ratePerSec float64) *ThrottledReporter {
	if clock == nil {
		clock = SystemClock{}
	}
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	return &ThrottledReporter{
		repo:     repo,
		id:       id,
		clock:    clock,
		limiter:  rate.NewLimiter(limit, 1),
		progress: num.Zero,
	}
}

func (r *ThrottledReporter) Log(level LogLevel, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(LogEntry{Timestamp: r.clock.Now(), Level: level, Message: fmt.Sprintf(format, args...)})
}

func (r *ThrottledReporter) appendLocked(e LogEntry) {
	if len(r.logs) >= MaxLogEntries {
		if !r.truncated {
			r.truncated = true
			r.logs[len(r.logs)-1] = LogEntry{Timestamp: e.Timestamp, Level: LevelWarn, Message: "log truncated"}
		}
		return
	}
	r.logs = append(r.logs, e)
}

// Progress records pct and persists it when the limiter allows. 100 is always written.
func (r *ThrottledReporter) Progress(ctx context.Context, pct decimal.Decimal) error {
	r.mu.Lock()
	if pct.GreaterThan(r.progress) {
		r.progress = pct
	}
	current := r.progress
	force := current.Equal(num.Hundred)
	r.mu.Unlock()

	if !force && !r.limiter.Allow() {
		return nil
	}
	return r.write(ctx, current)
}

// Flush persists the latest progress and logs regardless of the limiter.
func (r *ThrottledReporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	current := r.progress
	r.mu.Unlock()
	return r.write(ctx, current)
}

func (r *ThrottledReporter) write(ctx context.Context, pct decimal.Decimal) error {
	r.mu.Lock()
	logs := append([]LogEntry(nil), r.logs...)
	r.mu.Unlock()
	if err := r.repo.UpdateProgress(ctx, r.id, pct, logs, r.clock.Now()); err != nil {
		return fmt.Errorf("update progress %s: %w", r.id, err)
	}
	return nil
}

func (r *ThrottledReporter) Current() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *ThrottledReporter) Logs() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.logs...)
}
