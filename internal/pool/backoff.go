// Package pool 物理连接池：维持预热的空闲连接，拨号失败时指数退避
package pool

import (
	"context"
	"math/rand"
	"time"
)

const (
	// DefaultBaseDelay 第一次失败后的等待时间
	DefaultBaseDelay = 100 * time.Millisecond

	defaultFactor = 2.0

	// DefaultJitterFactor 实际等待在 delay*(1±0.3) 之间
	DefaultJitterFactor = 0.3
)

// Backoff 指数退避状态，非并发安全，由单个 goroutine 持有
//
// Next 返回的名义延迟单调不减且不超过 Max；抖动只在实际等待时施加。
type Backoff struct {
	Base         time.Duration
	Max          time.Duration
	Factor       float64
	JitterFactor float64

	attempts int
	current  time.Duration
	capped   bool
}

// NewBackoff 创建退避状态
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	return &Backoff{
		Base:         base,
		Max:          max,
		Factor:       defaultFactor,
		JitterFactor: DefaultJitterFactor,
	}
}

// Next 记录一次失败，返回本次应等待的名义延迟
func (b *Backoff) Next() time.Duration {
	b.attempts++
	if b.current == 0 {
		b.current = b.Base
	} else {
		b.current = time.Duration(float64(b.current) * b.Factor)
	}
	if b.current >= b.Max {
		b.current = b.Max
		b.capped = true
	}
	return b.current
}

// Exhausted 名义延迟是否已经达到上限（至少用过一次 Max）
func (b *Backoff) Exhausted() bool {
	return b.capped
}

// Attempts 连续失败次数
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset 成功后清零
func (b *Backoff) Reset() {
	b.attempts = 0
	b.current = 0
	b.capped = false
}

// Jitter 对名义延迟施加随机抖动，结果不超过 Max
func (b *Backoff) Jitter(delay time.Duration) time.Duration {
	if b.JitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * b.JitterFactor * (2*rand.Float64() - 1)
	d := time.Duration(float64(delay) + jitter)
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Wait 记录一次失败并等待带抖动的延迟，context 取消时提前返回
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Jitter(b.Next()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
