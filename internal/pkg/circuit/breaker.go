package circuit

import (
	"sync"
	"time"

	"dealscan/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker 在上游连续失败达到阈值后短路请求，冷却期过后放行一次探测。
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	trialSince  time.Time
	trial       bool
	nowFn       func() time.Time
}

// New 创建熔断器；threshold<=0 时返回 nil，nil 熔断器永远放行。
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		return nil
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

// Allow 判断本次请求能否发出。半开状态下同一时刻只放行一次探测，
// 直到其结果被记录；未记录的探测在一个冷却期后作废。
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.trial, b.trialSince = true, now
		return true
	case StateHalfOpen:
		if b.trial && now.Sub(b.trialSince) < b.cooldown {
			return false
		}
		b.trial, b.trialSince = true, now
		return true
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordNeutral 结束一次既不算成功也不算失败的请求（如 4xx），释放半开状态的探测名额。
func (b *Breaker) RecordNeutral() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.nowFn()
	b.trial = false
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	logger.Warnf("[circuit] %s 状态变更: %s -> %s (failures=%d/%d, cooldown=%s)",
		b.name, from, to, b.failures, b.threshold, b.cooldown)
}
