package klines

import (
	"errors"
	"sync"
	"time"

	"backtestd/internal/logger"
)

// ErrSourceUnavailable is returned while a source's breaker is open.
var ErrSourceUnavailable = errors.New("kline source temporarily unavailable")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker stops hammering a failing upstream. After threshold consecutive failures it rejects
// calls for cooldown, then lets one trial call through.
type breaker struct {
	mu          sync.Mutex
	name        string
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker(name string, threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{name: name, threshold: threshold, cooldown: cooldown, now: now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.transition(stateHalfOpen)
		return true
	default:
		return true
	}
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		if b.state != stateClosed {
			b.transition(stateClosed)
		}
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.state == stateHalfOpen || (b.state == stateClosed && b.failures >= b.threshold) {
		b.transition(stateOpen)
	}
}

func (b *breaker) transition(to breakerState) {
	from := b.state
	b.state = to
	logger.Warnf("[klines] 数据源 %s 熔断状态 %s -> %s (failures=%d/%d, cooldown=%s)",
		b.name, from, to, b.failures, b.threshold, b.cooldown)
}
