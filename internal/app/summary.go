package app

import (
	"fmt"
	"sort"
	"strings"

	brcfg "backtestd/internal/config"
	"backtestd/internal/strategy"
)

type StartupSummary struct {
	HTTPAddr   string
	Scheduler  SchedulerSummary
	Sandbox    SandboxSummary
	Klines     KlineSummary
	Strategies []StrategySummary
}

type SchedulerSummary struct {
	Workers          int
	ExecutionTimeout string
	CancelWait       string
}

type SandboxSummary struct {
	BarTimeout  string
	MaxAllocs   int64
	MaxLogLines int
}

type KlineSummary struct {
	Source   string
	Offline  bool
	CacheDir string
}

type StrategySummary struct {
	ID        string
	Symbol    string
	Timeframe string
	Range     string
}

func newStartupSummary(cfg *brcfg.Config, strategies []strategy.Config) StartupSummary {
	s := StartupSummary{
		HTTPAddr: cfg.App.HTTPAddr,
		Scheduler: SchedulerSummary{
			Workers:          cfg.Scheduler.WorkerPoolSize,
			ExecutionTimeout: cfg.Scheduler.ExecutionTimeout.String(),
			CancelWait:       cfg.Scheduler.CancelWait.String(),
		},
		Sandbox: SandboxSummary{
			BarTimeout:  cfg.Sandbox.BarTimeout.String(),
			MaxAllocs:   cfg.Sandbox.MaxAllocs,
			MaxLogLines: cfg.Sandbox.MaxLogLines,
		},
		Klines: KlineSummary{
			Source:   cfg.Klines.Source,
			Offline:  cfg.Klines.Offline,
			CacheDir: cfg.Storage.KlinesDir,
		},
	}
	for _, st := range strategies {
		s.Strategies = append(s.Strategies, StrategySummary{
			ID:        string(st.ID),
			Symbol:    st.Symbol,
			Timeframe: st.Timeframe,
			Range:     fmt.Sprintf("%s ~ %s", st.Start.UTC().Format("2006-01-02"), st.End.UTC().Format("2006-01-02")),
		})
	}
	sort.Slice(s.Strategies, func(i, j int) bool { return s.Strategies[i].ID < s.Strategies[j].ID })
	return s
}

// Render 生成启动摘要文本块。
func (s StartupSummary) Render() string {
	var b strings.Builder
	line := strings.Repeat("=", 80)
	b.WriteString(line + "\n")
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(line + "\n")

	fmt.Fprintf(&b, "[HTTP]\n  监听地址: %s\n\n", s.HTTPAddr)

	b.WriteString("[调度 (SCHEDULER)]\n")
	fmt.Fprintf(&b, "  并发执行: %d\n", s.Scheduler.Workers)
	fmt.Fprintf(&b, "  执行超时: %s\n", s.Scheduler.ExecutionTimeout)
	fmt.Fprintf(&b, "  取消等待: %s\n\n", s.Scheduler.CancelWait)

	b.WriteString("[脚本沙箱 (SANDBOX)]\n")
	fmt.Fprintf(&b, "  单根超时: %s\n", s.Sandbox.BarTimeout)
	fmt.Fprintf(&b, "  分配上限: %d\n", s.Sandbox.MaxAllocs)
	fmt.Fprintf(&b, "  日志行数: %d\n\n", s.Sandbox.MaxLogLines)

	b.WriteString("[K线数据 (K-LINE DATA)]\n")
	source := s.Klines.Source
	if s.Klines.Offline {
		source = "offline"
	}
	fmt.Fprintf(&b, "  数据来源: %s\n", source)
	fmt.Fprintf(&b, "  缓存目录: %s\n\n", s.Klines.CacheDir)

	b.WriteString("[策略 (STRATEGIES)]\n")
	if len(s.Strategies) == 0 {
		b.WriteString("  (无配置)\n")
	}
	for _, st := range s.Strategies {
		fmt.Fprintf(&b, "  > %s  %s %s  %s\n", st.ID, st.Symbol, st.Timeframe, st.Range)
	}
	b.WriteString(line)
	return b.String()
}
