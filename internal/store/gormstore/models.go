package gormstore

import (
	"gorm.io/datatypes"
)

type executionModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	StrategyID     string         `gorm:"column:strategy_id;index:idx_execution_strategy_status,priority:1"`
	Status         string         `gorm:"column:status;index:idx_execution_strategy_status,priority:2"`
	Progress       string         `gorm:"column:progress;type:TEXT"`
	LogsJSON       datatypes.JSON `gorm:"column:logs_json;type:TEXT"`
	ResultJSON     datatypes.JSON `gorm:"column:result_json;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
}

func (executionModel) TableName() string { return "backtest_executions" }

type strategyModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	ConfigJSON    datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (strategyModel) TableName() string { return "strategies" }
