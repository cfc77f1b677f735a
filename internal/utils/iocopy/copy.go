// Package iocopy 提供隧道两端之间的双向数据拷贝
package iocopy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	corelog "wstunnel-go/internal/core/log"
)

// CopyBufferSize 单方向拷贝缓冲区大小
const CopyBufferSize = 32 * 1024

var (
	ErrNilReader = errors.New("reader cannot be nil")
	ErrNilWriter = errors.New("writer cannot be nil")

	copyBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, CopyBufferSize)
			return &buf
		},
	}
)

// CloseWriter 支持半关闭（关闭写方向）的接口
type CloseWriter interface {
	CloseWrite() error
}

// readWriteCloser 将 io.Reader 和 io.Writer 组合成 io.ReadWriteCloser
type readWriteCloser struct {
	io.Reader
	io.Writer
	closeFunc      func() error
	closeWriteFunc func() error
}

func (rw *readWriteCloser) Close() error {
	if rw.closeFunc != nil {
		return rw.closeFunc()
	}
	return nil
}

func (rw *readWriteCloser) CloseWrite() error {
	if rw.closeWriteFunc != nil {
		return rw.closeWriteFunc()
	}
	if cw, ok := rw.Writer.(CloseWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// NewReadWriteCloser 组合 Reader/Writer，closeWriteFunc 可为空
func NewReadWriteCloser(r io.Reader, w io.Writer, closeFunc, closeWriteFunc func() error) (io.ReadWriteCloser, error) {
	if r == nil {
		return nil, ErrNilReader
	}
	if w == nil {
		return nil, ErrNilWriter
	}
	return &readWriteCloser{
		Reader:         r,
		Writer:         w,
		closeFunc:      closeFunc,
		closeWriteFunc: closeWriteFunc,
	}, nil
}

// Direction 拷贝方向
type Direction int

const (
	AToB Direction = iota // 本地 → 远端
	BToA                  // 远端 → 本地
)

// Options 双向拷贝配置选项
type Options struct {
	// Context 取消时立即关闭两端
	Context context.Context

	// 日志前缀
	LogPrefix string

	// IdleTimeout 两个方向都没有数据超过该时长则关闭，0 表示不限
	IdleTimeout time.Duration

	// OnTransfer 每次成功写入后回调（用于字节计数、活跃时间）
	OnTransfer func(dir Direction, n int)

	// OnComplete 拷贝结束后的回调
	OnComplete func(result *Result)
}

// Result 双向拷贝结果
type Result struct {
	BytesSent     int64 // A→B
	BytesReceived int64 // B→A
	SendError     error
	ReceiveError  error
	IdleTimedOut  bool
}

// Err 返回第一个非 EOF 错误
func (r *Result) Err() error {
	if r.SendError != nil {
		return r.SendError
	}
	return r.ReceiveError
}

// tryCloseWrite 半关闭写方向，不支持时返回 false
func tryCloseWrite(conn io.ReadWriteCloser) bool {
	switch c := conn.(type) {
	case *net.TCPConn:
		return c.CloseWrite() == nil
	case *net.UnixConn:
		return c.CloseWrite() == nil
	case CloseWriter:
		return c.CloseWrite() == nil
	}
	return false
}

type copyState struct {
	lastActivity atomic.Int64
	opts         *Options
	datagram     bool
}

func (s *copyState) touch(dir Direction, n int) {
	s.lastActivity.Store(time.Now().UnixNano())
	if s.opts.OnTransfer != nil {
		s.opts.OnTransfer(dir, n)
	}
}

func (s *copyState) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// pump 单方向拷贝，返回写入字节数和非 EOF 错误
func (s *copyState) pump(dir Direction, dst io.Writer, src io.Reader) (int64, error) {
	pool := &copyBufferPool
	if s.datagram {
		pool = &datagramBufferPool
	}
	bufPtr := pool.Get().(*[]byte)
	buf := *bufPtr
	defer pool.Put(bufPtr)

	var written int64
	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				s.touch(dir, nw)
			}
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// Bidirectional 双向数据拷贝
//
// 一个方向读到 EOF 时对另一端执行半关闭，另一方向继续传输直到结束；
// 对端不支持半关闭、任一方向出错、context 取消或空闲超时时立即关闭两端。
// 两个方向都结束后关闭两端连接。
func Bidirectional(connA, connB io.ReadWriteCloser, options *Options) *Result {
	if options == nil {
		options = &Options{}
	}
	return bidirectional(connA, connB, options, false)
}

func bidirectional(connA, connB io.ReadWriteCloser, options *Options, datagram bool) *Result {
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logPrefix := options.LogPrefix
	if logPrefix == "" {
		logPrefix = "tunnel"
	}

	state := &copyState{opts: options, datagram: datagram}
	state.lastActivity.Store(time.Now().UnixNano())

	result := &Result{}
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			connA.Close()
			connB.Close()
		})
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := state.pump(AToB, connB, connA)
		result.BytesSent, result.SendError = n, err
		if err != nil || !tryCloseWrite(connB) {
			closeBoth()
		}
	}()

	go func() {
		defer wg.Done()
		n, err := state.pump(BToA, connA, connB)
		result.BytesReceived, result.ReceiveError = n, err
		if err != nil || !tryCloseWrite(connA) {
			closeBoth()
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	var idleTick <-chan time.Time
	if options.IdleTimeout > 0 {
		ticker := time.NewTicker(idleCheckInterval(options.IdleTimeout))
		defer ticker.Stop()
		idleTick = ticker.C
	}

loop:
	for {
		select {
		case <-done:
			break loop
		case <-ctx.Done():
			corelog.Debugf("%s: cancelled, closing both sides", logPrefix)
			closeBoth()
			<-done
			break loop
		case <-idleTick:
			if state.idleFor() >= options.IdleTimeout {
				corelog.Debugf("%s: idle for %v, closing", logPrefix, options.IdleTimeout)
				result.IdleTimedOut = true
				closeBoth()
				<-done
				break loop
			}
		}
	}
	closeBoth()

	corelog.Debugf("%s: finished, sent=%d received=%d", logPrefix, result.BytesSent, result.BytesReceived)
	if options.OnComplete != nil {
		options.OnComplete(result)
	}
	return result
}

func idleCheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}
