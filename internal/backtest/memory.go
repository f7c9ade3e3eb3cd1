package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"backtestd/internal/pkg/num"
	"backtestd/internal/strategy"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps execution records in process. Records are copied in and out.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[ExecutionID]Execution
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[ExecutionID]Execution)}
}

func (m *MemoryRepository) Create(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	m.items[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id ExecutionID) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.items[id]
	if !ok {
		return Execution{}, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	return cloneExecution(exec), nil
}

func (m *MemoryRepository) ListActive(_ context.Context, strategyID strategy.ID) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Execution
	for _, exec := range m.items {
		if exec.Status.IsActive() && (strategyID == "" || exec.StrategyID == strategyID) {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id ExecutionID, status Status, at time.Time) error {
	return m.mutate(id, func(e *Execution) error {
		if status.IsTerminal() {
			return fmt.Errorf("status %s must be set by Finalize", status)
		}
		e.Status = status
		e.UpdatedAt = at
		return nil
	})
}

func (m *MemoryRepository) UpdateProgress(_ context.Context, id ExecutionID, progress decimal.Decimal, logs []LogEntry, at time.Time) error {
	return m.mutate(id, func(e *Execution) error {
		if progress.GreaterThan(e.Progress) {
			e.Progress = progress
		}
		e.Logs = append([]LogEntry(nil), logs...)
		e.UpdatedAt = at
		return nil
	})
}

func (m *MemoryRepository) Finalize(_ context.Context, id ExecutionID, status Status, result *Result, logs []LogEntry, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %s", status)
	}
	return m.mutate(id, func(e *Execution) error {
		e.Status = status
		if status == StatusFinished {
			e.Progress = num.Hundred
		}
		e.Result = result
		if logs != nil {
			e.Logs = append([]LogEntry(nil), logs...)
		}
		e.UpdatedAt = at
		e.FinishedAt = at
		return nil
	})
}

func (m *MemoryRepository) InterruptActive(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, exec := range m.items {
		if !exec.Status.IsActive() {
			continue
		}
		exec.Status = StatusInterrupted
		exec.Logs = append(exec.Logs, LogEntry{Timestamp: at, Level: LevelWarn, Message: "interrupted by restart"})
		exec.UpdatedAt = at
		exec.FinishedAt = at
		m.items[id] = exec
		n++
	}
	return n, nil
}

// mutate applies fn to an active record. Terminal records are immutable.
func (m *MemoryRepository) mutate(id ExecutionID, fn func(*Execution) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%s is %s: %w", id, exec.Status, ErrAlreadyFinalized)
	}
	if err := fn(&exec); err != nil {
		return err
	}
	m.items[id] = exec
	return nil
}

func cloneExecution(e Execution) Execution {
	e.Logs = append([]LogEntry(nil), e.Logs...)
	return e
}
