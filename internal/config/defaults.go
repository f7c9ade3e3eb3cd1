package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv              = "dev"
	defaultAppLogLevel         = "info"
	defaultAppLogFormat        = "text"
	defaultAppHTTPAddr         = ":9991"
	defaultWorkerPoolSize      = 2
	defaultExecutionTimeout    = 30 * time.Minute
	defaultCancelWait          = 10 * time.Second
	defaultProgressRatePerSec  = 2
	defaultShutdownTimeout     = 15 * time.Second
	defaultBarTimeout          = 2 * time.Second
	defaultMaxAllocs           = 5_000_000
	defaultMaxConstObjects     = 10_000
	defaultMaxLogLines         = 50
	defaultMaxStringLen        = 8 << 20
	defaultMaxNumKlines        = 500
	defaultExecutionsDB        = "data/db/backtest.db"
	defaultKlinesDir           = "data/klines"
	defaultKlineSource         = "binance"
	defaultBinanceBaseURL      = "https://fapi.binance.com"
	defaultKlineHTTPTimeout    = 15 * time.Second
	defaultKlineRateLimitPerMn = 600
	defaultKlineMaxBatch       = 1000
	defaultBreakerThreshold    = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultStrategiesDir       = "configs/strategies"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Sandbox.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Klines.applyDefaults(keys)
	c.Strategies.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("scheduler.worker_pool_size", &s.WorkerPoolSize, defaultWorkerPoolSize),
		durationFieldDefault("scheduler.execution_timeout", &s.ExecutionTimeout, defaultExecutionTimeout),
		durationFieldDefault("scheduler.cancel_wait", &s.CancelWait, defaultCancelWait),
		durationFieldDefault("scheduler.shutdown_timeout", &s.ShutdownTimeout, defaultShutdownTimeout),
		fieldDefault{
			key:   "scheduler.progress_rate_per_sec",
			need:  func() bool { return s.ProgressRatePerSec <= 0 },
			apply: func() { s.ProgressRatePerSec = defaultProgressRatePerSec },
		},
	)
}

func (s *SandboxConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("sandbox.bar_timeout", &s.BarTimeout, defaultBarTimeout),
		fieldDefault{
			key:   "sandbox.max_allocs",
			need:  func() bool { return s.MaxAllocs <= 0 },
			apply: func() { s.MaxAllocs = defaultMaxAllocs },
		},
		intFieldDefault("sandbox.max_const_objects", &s.MaxConstObjects, defaultMaxConstObjects),
		intFieldDefault("sandbox.max_log_lines", &s.MaxLogLines, defaultMaxLogLines),
		intFieldDefault("sandbox.max_string_len", &s.MaxStringLen, defaultMaxStringLen),
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("backtest.default_max_num_klines", &b.DefaultMaxNumKlines, defaultMaxNumKlines),
		boolFieldDefault("backtest.equity_curve", &b.EquityCurve, true),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("storage.executions_db", &s.ExecutionsDB, defaultExecutionsDB),
		stringFieldDefault("storage.klines_dir", &s.KlinesDir, defaultKlinesDir),
	)
}

func (k *KlinesConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("klines.source", &k.Source, defaultKlineSource),
		stringFieldDefault("klines.binance_base_url", &k.BinanceBaseURL, defaultBinanceBaseURL),
		durationFieldDefault("klines.http_timeout", &k.HTTPTimeout, defaultKlineHTTPTimeout),
		intFieldDefault("klines.rate_limit_per_min", &k.RateLimitPerMin, defaultKlineRateLimitPerMn),
		intFieldDefault("klines.max_batch", &k.MaxBatch, defaultKlineMaxBatch),
		intFieldDefault("klines.breaker_threshold", &k.BreakerThreshold, defaultBreakerThreshold),
		durationFieldDefault("klines.breaker_cooldown", &k.BreakerCooldown, defaultBreakerCooldown),
	)
	k.Source = strings.ToLower(strings.TrimSpace(k.Source))
}

func (s *StrategiesConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("strategies.dir", &s.Dir, defaultStrategiesDir),
		boolFieldDefault("strategies.watch", &s.Watch, true),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault applies only when the key is absent, since false is a valid explicit value.
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
