// Package safe 带 panic 恢复的 Goroutine 启动
//
// 单个隧道的 panic 只记录日志，不终止进程。
package safe

import (
	"runtime/debug"
	"sync/atomic"

	corelog "wstunnel-go/internal/core/log"
)

var (
	active atomic.Int64
	panics atomic.Int64
)

// Active 当前由 Go 启动且未退出的 goroutine 数
func Active() int64 {
	return active.Load()
}

// Panics 已恢复的 panic 次数
func Panics() int64 {
	return panics.Load()
}

// Go 启动带 panic 恢复的 goroutine，name 用于日志标识
func Go(name string, fn func()) {
	active.Add(1)
	go func() {
		defer func() {
			active.Add(-1)
			if r := recover(); r != nil {
				panics.Add(1)
				corelog.Errorf("SafeGo[%s]: panic recovered: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
