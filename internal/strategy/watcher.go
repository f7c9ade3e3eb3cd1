package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"backtestd/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Sink receives definitions as they are loaded or changed on disk.
type Sink interface {
	SaveStrategy(ctx context.Context, cfg Config) error
}

// Watcher keeps a sink in sync with a directory of YAML definitions.
type Watcher struct {
	dir        string
	maxKlines  int
	sink       Sink
	fs         *fsnotify.Watcher
	onReloaded func(Config)
}

func NewWatcher(dir string, defaultMaxNumKlines int, sink Sink) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("strategy watcher requires dir")
	}
	if sink == nil {
		return nil, fmt.Errorf("strategy watcher requires sink")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher failed: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch strategy dir failed: %w", err)
	}
	return &Watcher{dir: dir, maxKlines: defaultMaxNumKlines, sink: sink, fs: fw}, nil
}

// OnReload registers a hook called after each successful reload. Used by tests.
func (w *Watcher) OnReload(fn func(Config)) { w.onReloaded = fn }

// Sync loads the whole directory into the sink once.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	cfgs, err := LoadDir(w.dir, w.maxKlines)
	if err != nil {
		return 0, err
	}
	for _, cfg := range cfgs {
		if err := w.sink.SaveStrategy(ctx, cfg); err != nil {
			return 0, err
		}
	}
	logger.Infof("[strategy] 从 %s 载入 %d 个策略", w.dir, len(cfgs))
	return len(cfgs), nil
}

// Close releases the fs watcher when Run is never started.
func (w *Watcher) Close() error { return w.fs.Close() }

// Run reloads changed definitions until ctx ends. A broken file is logged and skipped so the
// previous version stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			if !IsDefinitionFile(evt.Name) {
				continue
			}
			w.reload(ctx, evt.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("[strategy] watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	cfg, err := LoadFile(path, w.maxKlines)
	if err != nil {
		logger.Warnf("[strategy] 重新载入 %s 失败: %v", filepath.Base(path), err)
		return
	}
	if err := w.sink.SaveStrategy(ctx, cfg); err != nil {
		logger.Errorf("[strategy] 保存策略 %s 失败: %v", cfg.ID, err)
		return
	}
	logger.Infof("[strategy] 策略 %s 已更新", cfg.ID)
	if w.onReloaded != nil {
		w.onReloaded(cfg)
	}
}
