// Package backtest replays a strategy bar by bar and produces the execution result.
package backtest

import (
	"context"
	"time"

	"backtestd/internal/account"
	"backtestd/internal/ledger"
	"backtestd/internal/market"
	"backtestd/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ExecutionID string

// NewExecutionID 生成新的执行 ID。
func NewExecutionID() ExecutionID { return ExecutionID(uuid.NewString()) }

type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusTimeout     Status = "TIMEOUT"
	StatusFailed      Status = "FAILED"
	StatusCanceled    Status = "CANCELED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusFinished    Status = "FINISHED"
)

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusTimeout, StatusFailed, StatusCanceled, StatusInterrupted, StatusFinished:
		return true
	}
	return false
}

type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEntry 是展示给用户的执行日志。
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// EquityPoint is the account equity after one processed bar.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
	Close  decimal.Decimal `json:"close"`
}

type OrderGroups struct {
	Filled   []ledger.Order `json:"filled"`
	Canceled []ledger.Order `json:"canceled"`
	Rejected []ledger.Order `json:"rejected"`
}

type TradeGroups struct {
	Opening []ledger.Trade `json:"opening"`
	Closed  []ledger.Trade `json:"closed"`
}

// Result is the final snapshot of a finished execution.
type Result struct {
	Account     account.Account `json:"account"`
	Orders      OrderGroups     `json:"orders"`
	Trades      TradeGroups     `json:"trades"`
	Logs        []LogEntry      `json:"logs"`
	EquityCurve []EquityPoint   `json:"equity_curve"`
}

// Execution 表示一次回测执行记录。
type Execution struct {
	ID         ExecutionID     `json:"id"`
	StrategyID strategy.ID     `json:"strategy_id"`
	Status     Status          `json:"status"`
	Progress   decimal.Decimal `json:"progress"`
	Logs       []LogEntry      `json:"logs"`
	Result     *Result         `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// KlineQuery selects the closed klines whose open time falls in [Start, End], plus Warmup
// bars before Start.
type KlineQuery struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Start     int64
	End       int64
	Warmup    int
}

// KlineSource returns klines ascending by close time, validated with market.ValidateSeries.
type KlineSource interface {
	FetchKlines(ctx context.Context, q KlineQuery) ([]market.Kline, error)
}

type StrategyRepository interface {
	GetStrategy(ctx context.Context, id strategy.ID) (strategy.Config, error)
}

// ExecutionRepository persists execution records. Finalize succeeds once per execution and
// returns ErrAlreadyFinalized afterwards.
type ExecutionRepository interface {
	Create(ctx context.Context, exec Execution) error
	Get(ctx context.Context, id ExecutionID) (Execution, error)
	ListActive(ctx context.Context, strategyID strategy.ID) ([]Execution, error)
	UpdateStatus(ctx context.Context, id ExecutionID, status Status, at time.Time) error
	UpdateProgress(ctx context.Context, id ExecutionID, progress decimal.Decimal, logs []LogEntry, at time.Time) error
	Finalize(ctx context.Context, id ExecutionID, status Status, result *Result, logs []LogEntry, at time.Time) error
	InterruptActive(ctx context.Context, at time.Time) (int, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
