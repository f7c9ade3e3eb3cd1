package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Sandbox.validate(); err != nil {
		return err
	}
	if c.Backtest.DefaultMaxNumKlines <= 0 || c.Backtest.DefaultMaxNumKlines > 5000 {
		return fmt.Errorf("backtest.default_max_num_klines must be within [1, 5000]")
	}
	if strings.TrimSpace(c.Storage.ExecutionsDB) == "" || strings.TrimSpace(c.Storage.KlinesDir) == "" {
		return fmt.Errorf("storage.executions_db and storage.klines_dir are required")
	}
	return c.Klines.validate()
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be debug|info|warn|error, got %q", a.LogLevel)
	}
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text|json, got %q", a.LogFormat)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.WorkerPoolSize <= 0 {
		return fmt.Errorf("scheduler.worker_pool_size must be > 0")
	}
	if s.ExecutionTimeout <= 0 {
		return fmt.Errorf("scheduler.execution_timeout must be > 0")
	}
	if s.ProgressRatePerSec < 0 {
		return fmt.Errorf("scheduler.progress_rate_per_sec must be >= 0")
	}
	return nil
}

func (s *SandboxConfig) validate() error {
	if s.BarTimeout <= 0 {
		return fmt.Errorf("sandbox.bar_timeout must be > 0")
	}
	if s.MaxAllocs <= 0 || s.MaxConstObjects <= 0 {
		return fmt.Errorf("sandbox.max_allocs and sandbox.max_const_objects must be > 0")
	}
	if s.MaxStringLen <= 0 || s.MaxStringLen > 1<<30 {
		return fmt.Errorf("sandbox.max_string_len must be within [1, 1073741824]")
	}
	if s.MaxLogLines < 0 {
		return fmt.Errorf("sandbox.max_log_lines must be >= 0")
	}
	return nil
}

func (k *KlinesConfig) validate() error {
	switch k.Source {
	case "binance":
		if strings.TrimSpace(k.BinanceBaseURL) == "" {
			return fmt.Errorf("klines.binance_base_url is required for the binance source")
		}
	case "file":
		if strings.TrimSpace(k.FileDir) == "" {
			return fmt.Errorf("klines.file_dir is required for the file source")
		}
	default:
		return fmt.Errorf("klines.source must be binance|file, got %q", k.Source)
	}
	if k.MaxBatch <= 0 || k.MaxBatch > 1500 {
		return fmt.Errorf("klines.max_batch must be within [1, 1500]")
	}
	return nil
}
