// Package gormstore persists strategies and backtest executions with Gorm + SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backtestd/internal/backtest"
	"backtestd/internal/strategy"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var activeStatuses = []string{string(backtest.StatusPending), string(backtest.StatusRunning)}

// GormStore implements backtest.ExecutionRepository and the strategy repository.
type GormStore struct {
	db *gorm.DB
}

var (
	_ backtest.ExecutionRepository = (*GormStore)(nil)
	_ backtest.StrategyRepository  = (*GormStore)(nil)
	_ strategy.Sink                = (*GormStore)(nil)
)

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewGormStoreFromDB(db)
}

func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&executionModel{}, &strategyModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------- Strategy -------------------------

func (s *GormStore) SaveStrategy(ctx context.Context, cfg strategy.Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("strategy id 不能为空")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	rec := strategyModel{
		ID:            string(cfg.ID),
		Symbol:        cfg.Symbol,
		ConfigJSON:    datatypes.JSON(raw),
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"symbol", "config_json", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) GetStrategy(ctx context.Context, id strategy.ID) (strategy.Config, error) {
	var rec strategyModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return strategy.Config{}, fmt.Errorf("%s: %w", id, strategy.ErrNotFound)
	}
	if err != nil {
		return strategy.Config{}, err
	}
	return decodeStrategy(rec)
}

func (s *GormStore) ListStrategies(ctx context.Context) ([]strategy.Config, error) {
	var recs []strategyModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]strategy.Config, 0, len(recs))
	for _, rec := range recs {
		cfg, err := decodeStrategy(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func decodeStrategy(rec strategyModel) (strategy.Config, error) {
	var cfg strategy.Config
	if err := json.Unmarshal(rec.ConfigJSON, &cfg); err != nil {
		return strategy.Config{}, fmt.Errorf("decode strategy %s: %w", rec.ID, err)
	}
	return cfg, nil
}

// --------------------- Execution -------------------------

func (s *GormStore) Create(ctx context.Context, exec backtest.Execution) error {
	rec, err := toExecutionModel(exec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *GormStore) Get(ctx context.Context, id backtest.ExecutionID) (backtest.Execution, error) {
	var rec executionModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return backtest.Execution{}, fmt.Errorf("%s: %w", id, backtest.ErrExecutionNotFound)
	}
	if err != nil {
		return backtest.Execution{}, err
	}
	return fromExecutionModel(rec)
}

func (s *GormStore) ListActive(ctx context.Context, strategyID strategy.ID) ([]backtest.Execution, error) {
	q := s.db.WithContext(ctx).Where("status IN ?", activeStatuses)
	if strategyID != "" {
		q = q.Where("strategy_id = ?", string(strategyID))
	}
	var recs []executionModel
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]backtest.Execution, 0, len(recs))
	for _, rec := range recs {
		exec, err := fromExecutionModel(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id backtest.ExecutionID, status backtest.Status, at time.Time) error {
	if status.IsTerminal() {
		return fmt.Errorf("status %s must be set by Finalize", status)
	}
	return s.updateActive(ctx, id, map[string]any{
		"status":     string(status),
		"updated_at": at.UnixMilli(),
	})
}

// UpdateProgress never lowers the stored progress.
func (s *GormStore) UpdateProgress(ctx context.Context, id backtest.ExecutionID, progress decimal.Decimal, logs []backtest.LogEntry, at time.Time) error {
	rawLogs, err := json.Marshal(nonNilLogs(logs))
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec executionModel
		if err := tx.Select("id", "status", "progress").Where("id = ?", string(id)).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%s: %w", id, backtest.ErrExecutionNotFound)
			}
			return err
		}
		if backtest.Status(rec.Status).IsTerminal() {
			return fmt.Errorf("%s is %s: %w", id, rec.Status, backtest.ErrAlreadyFinalized)
		}
		stored, _ := decimal.NewFromString(rec.Progress)
		if progress.GreaterThan(stored) {
			stored = progress
		}
		return tx.Model(&executionModel{}).Where("id = ?", string(id)).Updates(map[string]any{
			"progress":   stored.String(),
			"logs_json":  datatypes.JSON(rawLogs),
			"updated_at": at.UnixMilli(),
		}).Error
	})
}

// Finalize is a conditional update on the active statuses, so only the first call wins.
func (s *GormStore) Finalize(ctx context.Context, id backtest.ExecutionID, status backtest.Status, result *backtest.Result, logs []backtest.LogEntry, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %s", status)
	}
	updates := map[string]any{
		"status":      string(status),
		"updated_at":  at.UnixMilli(),
		"finished_at": at.UnixMilli(),
	}
	if status == backtest.StatusFinished {
		updates["progress"] = "100"
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		updates["result_json"] = datatypes.JSON(raw)
	}
	if logs != nil {
		raw, err := json.Marshal(logs)
		if err != nil {
			return err
		}
		updates["logs_json"] = datatypes.JSON(raw)
	}
	return s.updateActive(ctx, id, updates)
}

func (s *GormStore) InterruptActive(ctx context.Context, at time.Time) (int, error) {
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []executionModel
		if err := tx.Where("status IN ?", activeStatuses).Find(&recs).Error; err != nil {
			return err
		}
		for _, rec := range recs {
			var logs []backtest.LogEntry
			if len(rec.LogsJSON) > 0 {
				if err := json.Unmarshal(rec.LogsJSON, &logs); err != nil {
					return fmt.Errorf("decode logs of %s: %w", rec.ID, err)
				}
			}
			logs = append(logs, backtest.LogEntry{Timestamp: at, Level: backtest.LevelWarn, Message: "interrupted by restart"})
			raw, err := json.Marshal(logs)
			if err != nil {
				return err
			}
			res := tx.Model(&executionModel{}).Where("id = ? AND status IN ?", rec.ID, activeStatuses).Updates(map[string]any{
				"status":      string(backtest.StatusInterrupted),
				"logs_json":   datatypes.JSON(raw),
				"updated_at":  at.UnixMilli(),
				"finished_at": at.UnixMilli(),
			})
			if res.Error != nil {
				return res.Error
			}
			n += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *GormStore) updateActive(ctx context.Context, id backtest.ExecutionID, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&executionModel{}).
		Where("id = ? AND status IN ?", string(id), activeStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var rec executionModel
	err := s.db.WithContext(ctx).Select("id", "status").Where("id = ?", string(id)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", id, backtest.ErrExecutionNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s is %s: %w", id, rec.Status, backtest.ErrAlreadyFinalized)
}

func toExecutionModel(exec backtest.Execution) (executionModel, error) {
	rawLogs, err := json.Marshal(nonNilLogs(exec.Logs))
	if err != nil {
		return executionModel{}, err
	}
	rec := executionModel{
		ID:            string(exec.ID),
		StrategyID:    string(exec.StrategyID),
		Status:        string(exec.Status),
		Progress:      exec.Progress.String(),
		LogsJSON:      datatypes.JSON(rawLogs),
		CreatedAtUnix: exec.CreatedAt.UnixMilli(),
		UpdatedAtUnix: exec.UpdatedAt.UnixMilli(),
	}
	if !exec.FinishedAt.IsZero() {
		rec.FinishedAtUnix = exec.FinishedAt.UnixMilli()
	}
	if exec.Result != nil {
		raw, err := json.Marshal(exec.Result)
		if err != nil {
			return executionModel{}, err
		}
		rec.ResultJSON = datatypes.JSON(raw)
	}
	return rec, nil
}

func fromExecutionModel(rec executionModel) (backtest.Execution, error) {
	progress, err := decimal.NewFromString(rec.Progress)
	if err != nil {
		progress = decimal.Zero
	}
	exec := backtest.Execution{
		ID:         backtest.ExecutionID(rec.ID),
		StrategyID: strategy.ID(rec.StrategyID),
		Status:     backtest.Status(rec.Status),
		Progress:   progress,
		CreatedAt:  time.UnixMilli(rec.CreatedAtUnix).UTC(),
		UpdatedAt:  time.UnixMilli(rec.UpdatedAtUnix).UTC(),
	}
	if rec.FinishedAtUnix > 0 {
		exec.FinishedAt = time.UnixMilli(rec.FinishedAtUnix).UTC()
	}
	if len(rec.LogsJSON) > 0 {
		if err := json.Unmarshal(rec.LogsJSON, &exec.Logs); err != nil {
			return backtest.Execution{}, fmt.Errorf("decode logs of %s: %w", rec.ID, err)
		}
	}
	if len(rec.ResultJSON) > 0 && string(rec.ResultJSON) != "null" {
		var result backtest.Result
		if err := json.Unmarshal(rec.ResultJSON, &result); err != nil {
			return backtest.Execution{}, fmt.Errorf("decode result of %s: %w", rec.ID, err)
		}
		exec.Result = &result
	}
	return exec, nil
}

func nonNilLogs(logs []backtest.LogEntry) []backtest.LogEntry {
	if logs == nil {
		return []backtest.LogEntry{}
	}
	return logs
}
