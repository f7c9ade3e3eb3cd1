package backtesthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/scheduler"
	"backtestd/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeExecutions struct {
	requestErr error
	execs      map[backtest.ExecutionID]backtest.Execution
	canceled   []backtest.ExecutionID
	running    int
}

func (f *fakeExecutions) RequestExecution(_ context.Context, id strategy.ID) (scheduler.Accepted, error) {
	if f.requestErr != nil {
		return scheduler.Accepted{}, f.requestErr
	}
	return scheduler.Accepted{ExecutionID: backtest.ExecutionID("exec-" + string(id)), CreatedAt: t0}, nil
}

func (f *fakeExecutions) GetExecutionStatus(_ context.Context, id backtest.ExecutionID) (backtest.Execution, error) {
	exec, ok := f.execs[id]
	if !ok {
		return backtest.Execution{}, fmt.Errorf("%s: %w", id, backtest.ErrExecutionNotFound)
	}
	return exec, nil
}

func (f *fakeExecutions) CancelExecution(ctx context.Context, id backtest.ExecutionID) (backtest.Execution, error) {
	exec, err := f.GetExecutionStatus(ctx, id)
	if err != nil {
		return exec, err
	}
	f.canceled = append(f.canceled, id)
	exec.Status = backtest.StatusCanceled
	return exec, nil
}

func (f *fakeExecutions) Running() int { return f.running }

func newServer(t *testing.T, execs *fakeExecutions) (*Server, *strategy.MemoryRepository) {
	t.Helper()
	repo := strategy.NewMemoryRepository()
	srv, err := NewServer(Config{Executions: execs, Strategies: repo, DefaultMaxNumKlines: 100})
	require.NoError(t, err)
	return srv, repo
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRequestExecution(t *testing.T) {
	execs := &fakeExecutions{}
	srv, _ := newServer(t, execs)

	rec := do(srv, http.MethodPost, "/api/executions", `{"strategy_id":"ema"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted scheduler.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, backtest.ExecutionID("exec-ema"), accepted.ExecutionID)

	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPost, "/api/executions", `{}`).Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"busy", scheduler.ErrConcurrencyLimit, http.StatusConflict},
		{"missing", fmt.Errorf("%w: x", scheduler.ErrStrategyNotFound), http.StatusNotFound},
		{"invalid", &strategy.ValidationError{ID: "x", Problems: []string{"bad"}}, http.StatusBadRequest},
		{"closing", scheduler.ErrShuttingDown, http.StatusServiceUnavailable},
		{"infra", &scheduler.InfrastructureError{Op: "create execution", Err: fmt.Errorf("disk full")}, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, &fakeExecutions{requestErr: tc.err})
			rec := do(srv, http.MethodPost, "/api/executions", `{"strategy_id":"ema"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestInfrastructureErrorIsRetryable(t *testing.T) {
	srv, _ := newServer(t, &fakeExecutions{requestErr: &scheduler.InfrastructureError{Op: "list", Err: fmt.Errorf("locked")}})
	rec := do(srv, http.MethodPost, "/api/executions", `{"strategy_id":"ema"}`)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["retryable"])
}

func TestExecutionStatusAndCancel(t *testing.T) {
	execs := &fakeExecutions{execs: map[backtest.ExecutionID]backtest.Execution{
		"e1": {ID: "e1", StrategyID: "ema", Status: backtest.StatusRunning, Progress: decimal.RequireFromString("12.5")},
	}}
	srv, _ := newServer(t, execs)

	rec := do(srv, http.MethodGet, "/api/executions/e1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var exec backtest.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	assert.Equal(t, backtest.StatusRunning, exec.Status)
	assert.Equal(t, "12.5", exec.Progress.String())

	rec = do(srv, http.MethodPost, "/api/executions/e1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CANCELED"`)
	assert.Equal(t, []backtest.ExecutionID{"e1"}, execs.canceled)

	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/api/executions/nope", "").Code)
	assert.Equal(t, http.StatusConflict, do(srv, http.MethodGet, "/api/executions/e1/report", "").Code)
}

func TestReport(t *testing.T) {
	execs := &fakeExecutions{execs: map[backtest.ExecutionID]backtest.Execution{
		"done": {ID: "done", StrategyID: "ema", Status: backtest.StatusFinished, Result: &backtest.Result{
			EquityCurve: []backtest.EquityPoint{{Time: t0, Equity: decimal.NewFromInt(1000), Close: decimal.NewFromInt(100)}},
		}},
		"empty": {ID: "empty", Status: backtest.StatusFinished},
	}}
	srv, _ := newServer(t, execs)

	rec := do(srv, http.MethodGet, "/api/executions/done/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "ema equity")

	assert.Equal(t, http.StatusConflict, do(srv, http.MethodGet, "/api/executions/empty/report", "").Code)
}

func TestStrategyEndpoints(t *testing.T) {
	srv, repo := newServer(t, &fakeExecutions{})
	body := `{
		"symbol": "btcusdt", "timeframe": "1h", "currency": "USDT",
		"initial_capital": "1000", "maker_fee_rate": "0.001", "taker_fee_rate": "0.002",
		"start": "2024-01-01T00:00:00Z", "end": "2024-01-02T00:00:00Z",
		"source": "orders := []"
	}`
	rec := do(srv, http.MethodPut, "/api/strategies/ema", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	saved, err := repo.GetStrategy(context.Background(), "ema")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", saved.Symbol)
	assert.Equal(t, 100, saved.MaxNumKlines)
	assert.Equal(t, "binance", saved.Exchange)

	rec = do(srv, http.MethodGet, "/api/strategies/ema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"BTCUSDT"`)

	rec = do(srv, http.MethodGet, "/api/strategies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"ema"`)

	bad := strings.Replace(body, `"0.002"`, `"1.5"`, 1)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPut, "/api/strategies/ema", bad).Code)
	assert.Equal(t, http.StatusBadRequest, do(srv, http.MethodPut, "/api/strategies/ema", `{`).Code)
	assert.Equal(t, http.StatusNotFound, do(srv, http.MethodGet, "/api/strategies/missing", "").Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t, &fakeExecutions{running: 2})
	rec := do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","running":2}`, rec.Body.String())
}
