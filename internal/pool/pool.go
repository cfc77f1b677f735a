package pool

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"wstunnel-go/internal/core/dispose"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/core/safe"
)

// DialFunc 建立一条物理连接（TCP，可选代理 CONNECT，可选 TLS）
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options 连接池配置
type Options struct {
	Name string

	// MinIdle 预热的空闲连接数
	MinIdle int

	// BaseBackoff 第一次失败后的退避，默认 100ms
	BaseBackoff time.Duration

	// MaxBackoff 退避上限；按需拨号在退避达到上限后再失败一次即放弃
	MaxBackoff time.Duration

	// MaxIdleAge 空闲连接超过该时长后丢弃，对端可能已经关闭，默认 60s
	MaxIdleAge time.Duration
}

const defaultMaxIdleAge = 60 * time.Second

// Stats 连接池快照
type Stats struct {
	Idle       int
	Connecting int
	Active     int
	Dialed     uint64
	Failures   uint64
	Unhealthy  uint64
}

type idleConn struct {
	conn  net.Conn
	since time.Time
}

type acquireResult struct {
	conn *Conn
	dial bool
}

type dialResult struct {
	conn net.Conn
	err  error
}

type releaseMsg struct {
	unhealthy bool
}

// Pool 物理连接池
//
// 所有可变状态只由 loop goroutine 持有，acquire/release/markUnhealthy
// 都通过 channel 发给它。
type Pool struct {
	dial DialFunc
	opts Options

	acquireCh chan chan acquireResult
	releaseCh chan releaseMsg
	dialedCh  chan bool
	refillCh  chan dialResult
	statsCh   chan chan Stats

	dialed   atomic.Uint64
	failures atomic.Uint64

	dispose *dispose.Dispose
}

// New 创建连接池并启动后台 goroutine
func New(ctx context.Context, dial DialFunc, opts Options) *Pool {
	if opts.Name == "" {
		opts.Name = "pool"
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseDelay
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.MaxIdleAge <= 0 {
		opts.MaxIdleAge = defaultMaxIdleAge
	}
	p := &Pool{
		dial:      dial,
		opts:      opts,
		acquireCh: make(chan chan acquireResult),
		releaseCh: make(chan releaseMsg),
		dialedCh:  make(chan bool),
		refillCh:  make(chan dialResult),
		statsCh:   make(chan chan Stats),
		dispose:   dispose.New(ctx, opts.Name),
	}
	safe.Go(opts.Name+" loop", p.loop)
	return p
}

// Acquire 取一条就绪的物理连接：优先使用空闲连接，否则按退避策略拨号
//
// 退避达到 MaxBackoff 后仍失败返回 PoolExhausted；不可重试的错误立即返回。
// 返回的连接 Close 时通知连接池。
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	reply := make(chan acquireResult, 1)
	select {
	case p.acquireCh <- reply:
	case <-ctx.Done():
		return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeCancelled, "acquire connection")
	case <-p.dispose.Done():
		return nil, coreerrors.New(coreerrors.CodeCancelled, "connection pool closed")
	}

	res := <-reply
	if !res.dial {
		return res.conn, nil
	}

	conn, err := p.dialWithBackoff(ctx)
	select {
	case p.dialedCh <- err == nil:
	case <-p.dispose.Done():
	}
	if err != nil {
		return nil, err
	}
	return p.wrap(conn), nil
}

func (p *Pool) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	backoff := NewBackoff(p.opts.BaseBackoff, p.opts.MaxBackoff)
	for {
		conn, err := p.dial(ctx)
		if err == nil {
			p.dialed.Add(1)
			return conn, nil
		}
		p.failures.Add(1)
		if ctx.Err() != nil {
			return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeCancelled, "dial cancelled")
		}
		if !coreerrors.IsRetryable(err) {
			return nil, err
		}
		if backoff.Exhausted() {
			return nil, coreerrors.Wrapf(err, coreerrors.CodePoolExhausted,
				"%s: giving up after %d attempts", p.opts.Name, backoff.Attempts()+1)
		}
		delay := backoff.Jitter(backoff.Next())
		corelog.Warnf("%s: dial failed (attempt %d), retrying in %v: %v", p.opts.Name, backoff.Attempts(), delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeCancelled, "dial cancelled")
		case <-p.dispose.Done():
			timer.Stop()
			return nil, coreerrors.New(coreerrors.CodeCancelled, "connection pool closed")
		}
	}
}

// Stats 当前状态快照
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.dispose.Done():
		return Stats{Dialed: p.dialed.Load(), Failures: p.failures.Load()}
	}
}

// Close 关闭连接池及其中的空闲连接，已借出的连接不受影响
func (p *Pool) Close() error {
	return p.dispose.Close()
}

func (p *Pool) loop() {
	var (
		idle       []idleConn
		connecting int
		refilling  int
		active     int
		unhealthy  uint64
		refill     = NewBackoff(p.opts.BaseBackoff, p.opts.MaxBackoff)
		refillWait <-chan time.Time
	)

	defer func() {
		for _, c := range idle {
			c.conn.Close()
		}
	}()

	startRefill := func() {
		if refillWait != nil {
			return
		}
		for len(idle)+refilling < p.opts.MinIdle {
			refilling++
			safe.Go(p.opts.Name+" refill", func() {
				conn, err := p.dial(p.dispose.Ctx())
				select {
				case p.refillCh <- dialResult{conn: conn, err: err}:
				case <-p.dispose.Done():
					if conn != nil {
						conn.Close()
					}
				}
			})
		}
	}

	popIdle := func() net.Conn {
		now := time.Now()
		for len(idle) > 0 {
			c := idle[0]
			idle = idle[1:]
			if now.Sub(c.since) < p.opts.MaxIdleAge {
				return c.conn
			}
			c.conn.Close()
		}
		return nil
	}

	startRefill()
	for {
		select {
		case <-p.dispose.Done():
			return

		case reply := <-p.acquireCh:
			if conn := popIdle(); conn != nil {
				active++
				reply <- acquireResult{conn: p.wrap(conn)}
			} else {
				connecting++
				reply <- acquireResult{dial: true}
			}
			startRefill()

		case ok := <-p.dialedCh:
			// 调用方拨号结束，成功的连接以 Conn 形式借出
			connecting--
			if ok {
				active++
			}

		case msg := <-p.releaseCh:
			active--
			if msg.unhealthy {
				unhealthy++
			}

		case res := <-p.refillCh:
			refilling--
			if res.err != nil {
				p.failures.Add(1)
				delay := refill.Jitter(refill.Next())
				corelog.Warnf("%s: warm-up dial failed, retrying in %v: %v", p.opts.Name, delay, res.err)
				refillWait = time.After(delay)
				continue
			}
			p.dialed.Add(1)
			refill.Reset()
			idle = append(idle, idleConn{conn: res.conn, since: time.Now()})
			startRefill()

		case <-refillWait:
			refillWait = nil
			startRefill()

		case reply := <-p.statsCh:
			reply <- Stats{
				Idle:       len(idle),
				Connecting: connecting + refilling,
				Active:     active,
				Dialed:     p.dialed.Load(),
				Failures:   p.failures.Load(),
				Unhealthy:  unhealthy,
			}
		}
	}
}

func (p *Pool) wrap(conn net.Conn) *Conn {
	return &Conn{Conn: conn, pool: p}
}

func (p *Pool) release(unhealthy bool) {
	select {
	case p.releaseCh <- releaseMsg{unhealthy: unhealthy}:
	case <-p.dispose.Done():
	}
}

// Conn 从连接池借出的物理连接
type Conn struct {
	net.Conn
	pool      *Pool
	once      sync.Once
	unhealthy atomic.Bool
}

// MarkUnhealthy 标记连接不可用（握手失败、心跳超时），Close 时计入统计
func (c *Conn) MarkUnhealthy() {
	c.unhealthy.Store(true)
}

// Close 关闭底层连接并归还名额
func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		c.pool.release(c.unhealthy.Load())
	})
	return err
}

// CloseWrite 半关闭写方向（底层支持时）
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// ConnectionState TLS 连接状态，明文连接返回零值
func (c *Conn) ConnectionState() tls.ConnectionState {
	if tc, ok := c.Conn.(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}
