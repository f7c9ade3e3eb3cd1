package app

import (
	"context"
	"fmt"
	"time"

	brcfg "backtestd/internal/config"
	"backtestd/internal/logger"
	"backtestd/internal/sandbox"
	"backtestd/internal/scheduler"
	"backtestd/internal/store/gormstore"
	"backtestd/internal/strategy"
	backtesthttp "backtestd/internal/transport/http/backtest"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：恢复遗留执行→同步策略→启动 HTTP 与策略监听。
type App struct {
	cfg       *brcfg.Config
	repo      *gormstore.GormStore
	scheduler *scheduler.Scheduler
	http      *backtesthttp.Server
	watcher   *strategy.Watcher
	cleanup   func()
}

func provideApp(cfg *brcfg.Config, repo *gormstore.GormStore, sched *scheduler.Scheduler, srv *backtesthttp.Server, watcher *strategy.Watcher) *App {
	return &App{cfg: cfg, repo: repo, scheduler: sched, http: srv, watcher: watcher}
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	sandbox.SetMaxStringLen(cfg.Sandbox.MaxStringLen)
	app, cleanup, err := buildApp(cfg)
	if err != nil {
		return nil, err
	}
	app.cleanup = cleanup
	return app, nil
}

// Scheduler exposes the execution scheduler for embedding and tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Run 启动服务直到 ctx 结束，随后中断执行并释放资源。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	if err := a.prepare(ctx); err != nil {
		if a.watcher != nil {
			_ = a.watcher.Close()
		}
		return err
	}
	a.printSummary(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(gctx); err != nil {
			return fmt.Errorf("backtest http server error: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		if a.cfg.Strategies.Watch {
			group.Go(func() error { return a.watcher.Run(gctx) })
		} else {
			_ = a.watcher.Close()
		}
	}
	runErr := group.Wait()

	timeout := a.cfg.Scheduler.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.scheduler.Shutdown(shCtx); err != nil {
		logger.Errorf("[app] %v", err)
	}
	return runErr
}

func (a *App) prepare(ctx context.Context) error {
	if _, err := a.scheduler.RecoverInterrupted(ctx); err != nil {
		return err
	}
	if a.watcher == nil {
		return nil
	}
	if _, err := a.watcher.Sync(ctx); err != nil {
		return fmt.Errorf("载入策略失败: %w", err)
	}
	return nil
}

func (a *App) printSummary(ctx context.Context) {
	list, err := a.repo.ListStrategies(ctx)
	if err != nil {
		logger.Warnf("[app] 读取策略列表失败: %v", err)
	}
	logger.InfoBlock(newStartupSummary(a.cfg, list).Render())
}

func (a *App) close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}
