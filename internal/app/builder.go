package app

import (
	"fmt"
	"os"
	"strings"

	"backtestd/internal/backtest"
	brcfg "backtestd/internal/config"
	"backtestd/internal/klines"
	"backtestd/internal/logger"
	"backtestd/internal/sandbox"
	"backtestd/internal/scheduler"
	"backtestd/internal/store/gormstore"
	"backtestd/internal/strategy"
	backtesthttp "backtestd/internal/transport/http/backtest"
)

// Providers used by the wire injector. Each resource that holds a file handle returns a cleanup.

func provideExecutionStore(cfg *brcfg.Config) (*gormstore.GormStore, func(), error) {
	st, err := gormstore.NewGormStore(cfg.Storage.ExecutionsDB)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化执行记录库失败: %w", err)
	}
	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warnf("[app] 关闭执行记录库失败: %v", err)
		}
	}, nil
}

func provideKlineStore(cfg *brcfg.Config) (*klines.Store, func(), error) {
	st, err := klines.NewStore(cfg.Storage.KlinesDir)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化 K 线缓存失败: %w", err)
	}
	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warnf("[app] 关闭 K 线缓存失败: %v", err)
		}
	}, nil
}

func provideKlineSources(cfg *brcfg.Config) (map[string]klines.Source, error) {
	if cfg.Klines.Offline {
		return nil, nil
	}
	switch cfg.Klines.Source {
	case "file":
		src, err := klines.NewFileSource(cfg.Klines.FileDir)
		if err != nil {
			return nil, err
		}
		// File candles serve every exchange name a strategy may reference.
		return map[string]klines.Source{strategy.DefaultExchange: src, src.Name(): src}, nil
	default:
		src := klines.NewBinanceSource(klines.BinanceConfig{
			BaseURL:     cfg.Klines.BinanceBaseURL,
			HTTPTimeout: cfg.Klines.HTTPTimeout,
		})
		return map[string]klines.Source{src.Name(): src}, nil
	}
}

func provideKlineFetcher(cfg *brcfg.Config, store *klines.Store, sources map[string]klines.Source) (*klines.Fetcher, error) {
	return klines.NewFetcher(klines.FetcherConfig{
		Store:            store,
		Sources:          sources,
		RateLimitPerMin:  cfg.Klines.RateLimitPerMin,
		MaxBatch:         cfg.Klines.MaxBatch,
		Offline:          cfg.Klines.Offline,
		BreakerThreshold: cfg.Klines.BreakerThreshold,
		BreakerCooldown:  cfg.Klines.BreakerCooldown,
	})
}

func provideRunner(cfg *brcfg.Config, fetcher *klines.Fetcher, repo *gormstore.GormStore) *backtest.Runner {
	return backtest.NewRunner(fetcher, repo, backtest.SystemClock{}, backtest.RunnerConfig{
		Sandbox:        sandboxConfig(cfg.Sandbox),
		ProgressPerSec: cfg.Scheduler.ProgressRatePerSec,
		RecordEquity:   cfg.Backtest.EquityCurve,
	})
}

func sandboxConfig(c brcfg.SandboxConfig) sandbox.Config {
	sb := sandbox.DefaultConfig()
	if c.BarTimeout > 0 {
		sb.BarTimeout = c.BarTimeout
	}
	if c.MaxAllocs > 0 {
		sb.MaxAllocs = c.MaxAllocs
	}
	if c.MaxConstObjects > 0 {
		sb.MaxConstObjects = c.MaxConstObjects
	}
	sb.MaxLogLines = c.MaxLogLines
	return sb
}

func provideScheduler(cfg *brcfg.Config, repo *gormstore.GormStore, runner *backtest.Runner) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		WorkerPoolSize:      cfg.Scheduler.WorkerPoolSize,
		ExecutionTimeout:    cfg.Scheduler.ExecutionTimeout,
		CancelWait:          cfg.Scheduler.CancelWait,
		DefaultMaxNumKlines: cfg.Backtest.DefaultMaxNumKlines,
	}, repo, repo, runner, backtest.SystemClock{})
}

func provideStrategyWatcher(cfg *brcfg.Config, repo *gormstore.GormStore) (*strategy.Watcher, error) {
	dir := strings.TrimSpace(cfg.Strategies.Dir)
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return strategy.NewWatcher(dir, cfg.Backtest.DefaultMaxNumKlines, repo)
}

func provideHTTPServer(cfg *brcfg.Config, sched *scheduler.Scheduler, repo *gormstore.GormStore) (*backtesthttp.Server, error) {
	return backtesthttp.NewServer(backtesthttp.Config{
		Addr:                cfg.App.HTTPAddr,
		Executions:          sched,
		Strategies:          repo,
		DefaultMaxNumKlines: cfg.Backtest.DefaultMaxNumKlines,
	})
}
