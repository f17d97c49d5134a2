package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed   State = iota // 正常状态，请求放行
	StateOpen                  // 熔断状态，直接拒绝
	StateHalfOpen              // 恢复试探，放行少量请求
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen 熔断器打开时 Do 返回的错误
var ErrOpen = errors.New("circuit breaker is open")

// Config 熔断器配置
type Config struct {
	FailureThreshold    int           // 连续失败多少次后打开
	SuccessThreshold    int           // 半开状态下成功多少次后关闭
	Cooldown            time.Duration // 打开状态持续多久后进入半开
	HalfOpenMaxInflight int           // 半开状态下同时放行的最大请求数
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Cooldown:            30 * time.Second,
		HalfOpenMaxInflight: 3,
	}
}

// Breaker 单个下游的熔断器
type Breaker struct {
	name string
	cfg  Config

	// OnStateChange 状态变化回调（可选），在内部锁外调用
	OnStateChange func(name string, from, to State)

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	halfOpenActive int
	openedAt       time.Time
}

// New 创建熔断器，name 用于日志和指标
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.HalfOpenMaxInflight <= 0 {
		cfg.HalfOpenMaxInflight = DefaultConfig().HalfOpenMaxInflight
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Do 执行 fn，带熔断保护
// 打开状态直接返回 ErrOpen；context 取消算作失败由 fn 自己返回
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.settle(err == nil)
	return err
}

// admit 判断当前请求是否放行
func (b *Breaker) admit() error {
	b.mu.Lock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.setStateLocked(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenActive >= b.cfg.HalfOpenMaxInflight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.halfOpenActive++
	}

	b.mu.Unlock()
	return nil
}

// settle 根据执行结果推进状态机
func (b *Breaker) settle(ok bool) {
	b.mu.Lock()

	if b.state == StateHalfOpen {
		b.halfOpenActive--
	}

	if ok {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.setStateLocked(StateClosed)
			}
		}
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateHalfOpen:
		// 试探失败，立即重新打开
		b.setStateLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen)
		}
	}
	b.mu.Unlock()
}

// setStateLocked 切换状态，调用方必须持有 b.mu
func (b *Breaker) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.halfOpenActive = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if b.OnStateChange != nil {
		go b.OnStateChange(b.name, from, to)
	}
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.setStateLocked(StateHalfOpen)
	}
	return b.state
}

// Name 熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Reset 强制回到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateClosed)
}
