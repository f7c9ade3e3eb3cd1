package backtest

import (
	"context"
	"errors"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrAlreadyFinalized  = errors.New("execution already finalized")
	ErrNoKlines          = errors.New("no klines in backtest range")
	ErrLiquidation       = errors.New("forced liquidation failed")

	// Cancellation causes attached to the worker context by the scheduler.
	ErrTimeout     = errors.New("execution timed out")
	ErrCanceled    = errors.New("execution canceled")
	ErrInterrupted = errors.New("execution interrupted")
)

// StatusForCause maps why a worker context ended to the terminal status.
func StatusForCause(cause error) Status {
	switch {
	case errors.Is(cause, ErrTimeout):
		return StatusTimeout
	case errors.Is(cause, ErrInterrupted):
		return StatusInterrupted
	case errors.Is(cause, ErrCanceled):
		return StatusCanceled
	case errors.Is(cause, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(cause, context.Canceled):
		return StatusCanceled
	}
	return StatusFailed
}
