package config

import (
	"strings"
	"time"
)

// Config 是 backtestd 的主配置载体。
type Config struct {
	App        AppConfig        `yaml:"app"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Storage    StorageConfig    `yaml:"storage"`
	Klines     KlinesConfig     `yaml:"klines"`
	Strategies StrategiesConfig `yaml:"strategies"`
}

type AppConfig struct {
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogPath   string `yaml:"log_path"`
	HTTPAddr  string `yaml:"http_addr"`
}

type SchedulerConfig struct {
	WorkerPoolSize     int           `yaml:"worker_pool_size"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout"`
	CancelWait         time.Duration `yaml:"cancel_wait"`
	ProgressRatePerSec float64       `yaml:"progress_rate_per_sec"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// SandboxConfig bounds a single strategy invocation.
type SandboxConfig struct {
	BarTimeout      time.Duration `yaml:"bar_timeout"`
	MaxAllocs       int64         `yaml:"max_allocs"`
	MaxConstObjects int           `yaml:"max_const_objects"`
	MaxLogLines     int           `yaml:"max_log_lines"`
	// 单个字符串/bytes 的字节上限，进程级生效。
	MaxStringLen int `yaml:"max_string_len"`
}

type BacktestConfig struct {
	DefaultMaxNumKlines int  `yaml:"default_max_num_klines"`
	EquityCurve         bool `yaml:"equity_curve"`
}

type StorageConfig struct {
	ExecutionsDB string `yaml:"executions_db"`
	KlinesDir    string `yaml:"klines_dir"`
}

// KlinesConfig selects where missing candles come from.
type KlinesConfig struct {
	Source          string        `yaml:"source"`
	Offline         bool          `yaml:"offline"`
	BinanceBaseURL  string        `yaml:"binance_base_url"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	FileDir         string        `yaml:"file_dir"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxBatch        int           `yaml:"max_batch"`

	// 连续失败达到阈值后暂停拉取 BreakerCooldown。
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type StrategiesConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
