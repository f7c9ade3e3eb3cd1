// Package backtesthttp exposes the execution scheduler and the strategy store over HTTP.
package backtesthttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/logger"
	"backtestd/internal/report"
	"backtestd/internal/scheduler"
	"backtestd/internal/strategy"

	"github.com/gin-gonic/gin"
)

// Executions is the scheduler surface the API needs.
type Executions interface {
	RequestExecution(ctx context.Context, strategyID strategy.ID) (scheduler.Accepted, error)
	GetExecutionStatus(ctx context.Context, id backtest.ExecutionID) (backtest.Execution, error)
	CancelExecution(ctx context.Context, id backtest.ExecutionID) (backtest.Execution, error)
	Running() int
}

type Strategies interface {
	SaveStrategy(ctx context.Context, cfg strategy.Config) error
	GetStrategy(ctx context.Context, id strategy.ID) (strategy.Config, error)
	ListStrategies(ctx context.Context) ([]strategy.Config, error)
}

// Server 提供回测相关的 HTTP API。
type Server struct {
	addr                string
	executions          Executions
	strategies          Strategies
	defaultMaxNumKlines int
	router              *gin.Engine
}

// Config 描述回测 HTTP Server 的依赖。
type Config struct {
	Addr                string
	Executions          Executions
	Strategies          Strategies
	DefaultMaxNumKlines int
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Executions == nil || cfg.Strategies == nil {
		return nil, errors.New("executions 与 strategies 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:                cfg.Addr,
		executions:          cfg.Executions,
		strategies:          cfg.Strategies,
		defaultMaxNumKlines: cfg.DefaultMaxNumKlines,
		router:              router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.executions.Running()})
	})
	api := s.router.Group("/api")
	api.POST("/executions", s.handleRequestExecution)
	api.GET("/executions/:id", s.handleExecutionStatus)
	api.POST("/executions/:id/cancel", s.handleCancelExecution)
	api.GET("/executions/:id/report", s.handleReport)
	api.GET("/strategies", s.handleListStrategies)
	api.GET("/strategies/:id", s.handleGetStrategy)
	api.PUT("/strategies/:id", s.handleSaveStrategy)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.addr }

func (s *Server) handleRequestExecution(c *gin.Context) {
	var req struct {
		StrategyID string `json:"strategy_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted, err := s.executions.RequestExecution(c.Request.Context(), strategy.ID(strings.TrimSpace(req.StrategyID)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted)
}

func (s *Server) handleExecutionStatus(c *gin.Context) {
	exec, err := s.executions.GetExecutionStatus(c.Request.Context(), backtest.ExecutionID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(c *gin.Context) {
	exec, err := s.executions.CancelExecution(c.Request.Context(), backtest.ExecutionID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleReport(c *gin.Context) {
	exec, err := s.executions.GetExecutionStatus(c.Request.Context(), backtest.ExecutionID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	if exec.Status != backtest.StatusFinished {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("execution is %s", exec.Status)})
		return
	}
	var buf bytes.Buffer
	if err := report.RenderHTML(&buf, exec); err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleListStrategies(c *gin.Context) {
	list, err := s.strategies.ListStrategies(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": list})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	cfg, err := s.strategies.GetStrategy(c.Request.Context(), strategy.ID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSaveStrategy(c *gin.Context) {
	var cfg strategy.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = strategy.ID(c.Param("id"))
	cfg.Normalize(s.defaultMaxNumKlines)
	if err := cfg.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := s.strategies.SaveStrategy(c.Request.Context(), cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var infra *scheduler.InfrastructureError
	switch {
	case errors.Is(err, scheduler.ErrConcurrencyLimit):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrStrategyNotFound),
		errors.Is(err, strategy.ErrNotFound),
		errors.Is(err, backtest.ErrExecutionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, strategy.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrShuttingDown), errors.As(err, &infra):
		status = http.StatusServiceUnavailable
	case errors.Is(err, report.ErrNoResult):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		logger.Warnf("[http] %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	body := gin.H{"error": err.Error()}
	if infra != nil {
		body["retryable"] = infra.Retryable()
	}
	c.JSON(status, body)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Start 监听地址，ctx 结束时优雅关闭。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
