// Package dispose 提供基于 context 的资源生命周期管理
//
// 监听器、连接池、文件监视器等后台资源都挂在一个 Dispose 上：
// 父 context 取消或显式 Close 时，按注册的逆序执行清理处理器。
package dispose

import (
	"context"
	"errors"
	"fmt"
	"sync"

	corelog "wstunnel-go/internal/core/log"
)

// DisposeError 单个清理处理器的错误
type DisposeError struct {
	Name string
	Err  error
}

func (e *DisposeError) Error() string {
	return fmt.Sprintf("cleanup %s failed: %v", e.Name, e.Err)
}

func (e *DisposeError) Unwrap() error {
	return e.Err
}

type cleanHandler struct {
	name string
	fn   func() error
}

// Dispose 资源管理结构体
type Dispose struct {
	name     string
	mu       sync.Mutex
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	handlers []cleanHandler
	done     chan struct{}
	err      error
}

// New 创建挂在 parent 上的 Dispose，parent 取消时自动清理
func New(parent context.Context, name string) *Dispose {
	if parent == nil {
		parent = context.Background()
	}
	d := &Dispose{name: name, done: make(chan struct{})}
	d.ctx, d.cancel = context.WithCancel(parent)
	go func() {
		<-d.ctx.Done()
		d.Close()
	}()
	return d
}

// Name 资源名称
func (d *Dispose) Name() string {
	return d.name
}

// Ctx 资源的 context，Close 后被取消
func (d *Dispose) Ctx() context.Context {
	return d.ctx
}

// Done 清理全部完成后关闭
func (d *Dispose) Done() <-chan struct{} {
	return d.done
}

// IsClosed 是否已关闭
func (d *Dispose) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// AddCleanHandler 注册清理处理器，已关闭时立即执行
func (d *Dispose) AddCleanHandler(name string, fn func() error) {
	d.mu.Lock()
	if !d.closed {
		d.handlers = append(d.handlers, cleanHandler{name: name, fn: fn})
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := fn(); err != nil {
		corelog.Warnf("%s: late cleanup %s failed: %v", d.name, name, err)
	}
}

// AddCloser 注册 io.Closer 风格的资源
func (d *Dispose) AddCloser(name string, c interface{ Close() error }) {
	d.AddCleanHandler(name, c.Close)
}

// Close 取消 context 并按逆序执行清理处理器，可重复调用
func (d *Dispose) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return d.err
	}
	d.closed = true
	handlers := d.handlers
	d.handlers = nil
	d.mu.Unlock()

	d.cancel()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if err := h.fn(); err != nil {
			corelog.Debugf("%s: cleanup %s failed: %v", d.name, h.name, err)
			errs = append(errs, &DisposeError{Name: h.name, Err: err})
		}
	}
	d.err = errors.Join(errs...)
	close(d.done)
	return d.err
}
