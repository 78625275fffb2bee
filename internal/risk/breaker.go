package risk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrBreakerOpen 表示断路器已打开，出站提交被拒绝。
var ErrBreakerOpen = fmt.Errorf("submission breaker open")

// BreakerConfig 断路器配置。
// 约定：MaxConsecutiveFailures <= 0 表示不做连续失败熔断。
type BreakerConfig struct {
	// MaxConsecutiveFailures 连续提交失败上限，达到后熔断
	MaxConsecutiveFailures int64

	// Cooldown 熔断后的冷却时间。冷却结束进入半开：
	// 放行一笔探测提交，失败立刻重新熔断，成功则完全恢复。
	Cooldown time.Duration
}

// Breaker 出站提交断路器。
//
// 快路径（每笔提交前的 Allow）只读原子变量；配置更新同样走原子字段，
// 不需要锁。下游网关整体故障时熔断比逐笔重试省得多：失败的提交会
// 在总线上堆积重投，熔断期间直接快速失败，把重投间隔留给网关恢复。
type Breaker struct {
	halted atomic.Bool

	consecutiveFailures atomic.Int64
	openedAtNanos       atomic.Int64

	maxConsecutiveFailures atomic.Int64
	cooldownNanos          atomic.Int64

	now func() time.Time
}

// NewBreaker 创建断路器
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{now: time.Now}
	b.SetConfig(cfg)
	return b
}

// SetConfig 更新配置（可在运行中调用）
func (b *Breaker) SetConfig(cfg BreakerConfig) {
	if b == nil {
		return
	}
	b.maxConsecutiveFailures.Store(cfg.MaxConsecutiveFailures)
	b.cooldownNanos.Store(int64(cfg.Cooldown))
}

// SetClock 注入时钟，测试用
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// Halt 手动熔断（人工介入）
func (b *Breaker) Halt() {
	if b == nil {
		return
	}
	b.halted.Store(true)
	b.openedAtNanos.Store(b.now().UnixNano())
}

// Resume 手动恢复，清空连续失败计数
func (b *Breaker) Resume() {
	if b == nil {
		return
	}
	b.halted.Store(false)
	b.consecutiveFailures.Store(0)
}

// Allow 提交前的快路径检查。
// 熔断中且冷却未到返回 ErrBreakerOpen；冷却到了进入半开，
// 放行一笔探测（失败计数保持在阈值边缘，一次 OnFailure 即重新熔断）。
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	if !b.halted.Load() {
		return nil
	}

	cooldown := b.cooldownNanos.Load()
	if cooldown <= 0 {
		return ErrBreakerOpen
	}
	if b.now().UnixNano()-b.openedAtNanos.Load() < cooldown {
		return ErrBreakerOpen
	}

	// 半开：只留一次失败的余量
	if max := b.maxConsecutiveFailures.Load(); max > 0 {
		b.consecutiveFailures.Store(max - 1)
	}
	b.halted.Store(false)
	return nil
}

// OnSuccess 一次提交成功后调用，完全复位
func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	b.consecutiveFailures.Store(0)
}

// OnFailure 一次提交失败后调用，累计并在越限时熔断
func (b *Breaker) OnFailure() {
	if b == nil {
		return
	}
	failures := b.consecutiveFailures.Add(1)
	max := b.maxConsecutiveFailures.Load()
	if max > 0 && failures >= max {
		b.halted.Store(true)
		b.openedAtNanos.Store(b.now().UnixNano())
	}
}
