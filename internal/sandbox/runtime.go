// Package sandbox runs untrusted strategy scripts in a restricted tengo VM, once per bar.
//
// A script sees only the read-only views the host injects (bar, klines, series, orders,
// trades, account, system), the pure stdlib modules and the ta/order host modules. It returns
// its order actions by assigning the predeclared actions array. There is no file, network or
// process access, and nothing a script writes survives to the next bar.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backtestd/internal/ledger"
	"backtestd/internal/pkg/text"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

// LanguageTengo is the only accepted strategy language.
const LanguageTengo = "tengo"

// State is the per-bar lifecycle of an invocation.
type State string

const (
	StateIdle      State = "IDLE"
	StateLoaded    State = "LOADED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateErrored   State = "ERRORED"
)

const (
	varActions = "actions"
	varLog     = "log"
)

var stdModules = []string{"math", "text", "enum", "json", "base64", "hex"}

// blockedTimesFuncs are builtins that block the VM goroutine where Abort cannot reach them.
var blockedTimesFuncs = map[string]bool{"sleep": true}

// DefaultMaxStringLen caps any single string or bytes value a script builds, including the
// ones builtins such as text.repeat allocate in one call.
const DefaultMaxStringLen = 8 << 20

func init() { SetMaxStringLen(DefaultMaxStringLen) }

// SetMaxStringLen sets the process-wide tengo string and bytes caps. Call it before any
// script runs.
func SetMaxStringLen(n int) {
	if n <= 0 {
		n = DefaultMaxStringLen
	}
	tengo.MaxStringLen = n
	tengo.MaxBytesLen = n
}

type Config struct {
	BarTimeout      time.Duration
	MaxAllocs       int64
	MaxConstObjects int
	MaxLogLines     int
}

func DefaultConfig() Config {
	return Config{
		BarTimeout:      2 * time.Second,
		MaxAllocs:       5_000_000,
		MaxConstObjects: 10_000,
		MaxLogLines:     50,
	}
}

// Program is a compiled strategy. It is immutable; every invocation runs on a clone.
type Program struct {
	cfg      Config
	compiled *tengo.Compiled
}

// Compile checks source once per execution. Any failure is a syntax error.
func Compile(source string, cfg Config) (*Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &Error{Kind: KindSyntax, Action: "compile", Bar: -1, Cause: errors.New("empty source")}
	}
	script := tengo.NewScript([]byte(source))
	script.SetImports(moduleMap())
	script.EnableFileImport(false)
	if cfg.MaxAllocs > 0 {
		script.SetMaxAllocs(cfg.MaxAllocs)
	}
	if cfg.MaxConstObjects > 0 {
		script.SetMaxConstObjects(cfg.MaxConstObjects)
	}
	for _, name := range viewNames {
		if err := script.Add(name, tengo.UndefinedValue); err != nil {
			return nil, &Error{Kind: KindSyntax, Action: "declare " + name, Bar: -1, Cause: err}
		}
	}
	if err := script.Add(varActions, &tengo.Array{}); err != nil {
		return nil, &Error{Kind: KindSyntax, Action: "declare actions", Bar: -1, Cause: err}
	}
	if err := script.Add(varLog, &tengo.UserFunction{Name: varLog, Value: discard}); err != nil {
		return nil, &Error{Kind: KindSyntax, Action: "declare log", Bar: -1, Cause: err}
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, &Error{Kind: KindSyntax, Action: "compile", Bar: -1, Cause: err}
	}
	return &Program{cfg: cfg, compiled: compiled}, nil
}

func moduleMap() *tengo.ModuleMap {
	m := stdlib.GetModuleMap(stdModules...)
	m.AddBuiltinModule("times", timesModule())
	m.AddBuiltinModule("ta", taModule)
	m.AddBuiltinModule("order", orderModule)
	return m
}

func timesModule() map[string]tengo.Object {
	out := make(map[string]tengo.Object, len(stdlib.BuiltinModules["times"]))
	for name, fn := range stdlib.BuiltinModules["times"] {
		if !blockedTimesFuncs[name] {
			out[name] = fn
		}
	}
	return out
}

func discard(...tengo.Object) (tengo.Object, error) { return tengo.UndefinedValue, nil }

// Invocation is the outcome of running the program for one bar.
type Invocation struct {
	Bar     int
	State   State
	Actions []ledger.Request
	Logs    []string
	Elapsed time.Duration
	Err     error
}

// Invoke runs one bar. The views are frozen into immutable tengo values on a fresh clone, so
// globals the script assigns are discarded afterwards.
func (p *Program) Invoke(ctx context.Context, bar int, views Views) (inv Invocation) {
	inv = Invocation{Bar: bar, State: StateIdle}
	start := time.Now()
	defer func() {
		inv.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			inv.State = StateErrored
			inv.Actions = nil
			inv.Err = &Error{Kind: KindRuntime, Action: "panic", Bar: bar, Cause: fmt.Errorf("%v", r)}
		}
	}()

	run := p.compiled.Clone()
	logs := &logBuffer{max: p.cfg.MaxLogLines}
	if err := load(run, views, logs); err != nil {
		inv.State = StateErrored
		inv.Err = &Error{Kind: KindRuntime, Action: "load", Bar: bar, Cause: err}
		return inv
	}
	inv.State = StateLoaded

	runCtx := ctx
	if p.cfg.BarTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.BarTimeout)
		defer cancel()
	}
	inv.State = StateRunning
	err := run.RunContext(runCtx)
	inv.Logs = logs.lines
	if err != nil {
		switch {
		case ctx.Err() != nil:
			inv.State = StateErrored
			inv.Err = &Error{Kind: KindAborted, Action: "run", Bar: bar, Cause: ctx.Err()}
		case errors.Is(err, context.DeadlineExceeded):
			inv.State = StateTimedOut
			inv.Err = &Error{Kind: KindTimeout, Action: "run", Bar: bar, Cause: fmt.Errorf("exceeded %s", p.cfg.BarTimeout)}
		default:
			inv.State = StateErrored
			inv.Err = &Error{Kind: KindRuntime, Action: "run", Bar: bar, Cause: err}
		}
		return inv
	}

	actions, err := parseActions(run.Get(varActions).Value())
	if err != nil {
		inv.State = StateErrored
		inv.Err = &Error{Kind: KindAction, Action: "actions", Bar: bar, Cause: err}
		return inv
	}
	inv.Actions = actions
	inv.State = StateCompleted
	return inv
}

func load(run *tengo.Compiled, views Views, logs *logBuffer) error {
	for _, name := range viewNames {
		obj, err := freeze(views[name])
		if err != nil {
			return fmt.Errorf("view %s: %w", name, err)
		}
		if err := run.Set(name, obj); err != nil {
			return err
		}
	}
	if err := run.Set(varActions, &tengo.Array{}); err != nil {
		return err
	}
	return run.Set(varLog, &tengo.UserFunction{Name: varLog, Value: logs.call})
}

const maxLogLineBytes = 2048

// logBuffer keeps the first max lines of one invocation.
type logBuffer struct {
	max   int
	lines []string
}

func (b *logBuffer) call(args ...tengo.Object) (tengo.Object, error) {
	if b.max > 0 && len(b.lines) >= b.max {
		return tengo.UndefinedValue, nil
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		s, _ := tengo.ToString(a)
		parts = append(parts, s)
	}
	b.lines = append(b.lines, text.Truncate(strings.Join(parts, " "), maxLogLineBytes))
	return tengo.UndefinedValue, nil
}
