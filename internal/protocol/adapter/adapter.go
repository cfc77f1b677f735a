// Package adapter 本地协议适配器
//
// 把各种本地接入（TCP、UDP、SOCKS5、HTTP 代理、stdio、Unix、透明代理）
// 转换成「目标地址 + 字节流」。客户端正向隧道和服务端反向隧道共用这些监听器。
package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/core/safe"
	"wstunnel-go/internal/tunnel"
)

const (
	// HandshakeTimeout 本地协议协商（SOCKS5、HTTP CONNECT）的时限
	HandshakeTimeout = 10 * time.Second

	// acceptRetryInterval accept 出错后的最小重试间隔
	acceptRetryInterval = 100 * time.Millisecond
)

// Accepted 一个完成协商的本地接入
type Accepted struct {
	// Conn 本地一侧；UDP 时每次 Read/Write 是一个完整数据报
	Conn io.ReadWriteCloser

	// Kind tunnel.KindTCP 或 tunnel.KindUDP
	Kind tunnel.Kind

	// 目标地址
	Host string
	Port uint16

	// Peer 本地接入方地址
	Peer string

	// reply 隧道打开成功或失败后回应本地协议（SOCKS5 应答、HTTP 200）
	reply func(err error) error
}

// Destination host:port
func (a *Accepted) Destination() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Ready 通知本地协议隧道已经打开（err 为 nil）或打开失败；失败时关闭本地连接
func (a *Accepted) Ready(err error) error {
	var replyErr error
	if a.reply != nil {
		replyErr = a.reply(err)
	}
	if err != nil {
		a.Conn.Close()
		return err
	}
	if replyErr != nil {
		a.Conn.Close()
		return coreerrors.Wrap(replyErr, coreerrors.CodeProtocolError, "reply to local client")
	}
	return nil
}

// Handshake 在独立的 goroutine 中完成本地协议协商
type Handshake func(ctx context.Context) (*Accepted, error)

// Listener 本地监听器
type Listener interface {
	// Accept 等待下一个本地接入；监听器关闭后返回 net.ErrClosed
	Accept() (Handshake, error)
	Addr() net.Addr
	Close() error
}

// Listen 按路由类型创建本地监听器
func Listen(ctx context.Context, spec tunnel.Spec) (Listener, error) {
	var (
		ln  Listener
		err error
	)
	switch spec.Protocol.Kind.ForwardKind() {
	case tunnel.KindTCP:
		ln, err = listenStream("tcp", spec.Local.String(), spec)
	case tunnel.KindUnix:
		ln, err = listenStream("unix", spec.Protocol.Path, spec)
	case tunnel.KindUDP:
		ln, err = listenUDP(spec)
	case tunnel.KindSocks5:
		ln, err = listenSocks(spec)
	case tunnel.KindHTTPProxy:
		ln, err = listenHTTPProxy(spec)
	case tunnel.KindStdio:
		ln, err = listenStdio(spec)
	case tunnel.KindTProxyTCP:
		ln, err = listenTProxyTCP(ctx, spec)
	case tunnel.KindTProxyUDP:
		ln, err = listenTProxyUDP(ctx, spec)
	default:
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "no local listener for %s", spec.Protocol.Kind)
	}
	if err != nil {
		return nil, err
	}
	corelog.Infof("listening %s on %s", spec.Protocol.Kind, ln.Addr())
	return ln, nil
}

// Handler 处理一个协商完成的接入，负责最终关闭 Conn
type Handler func(ctx context.Context, acc *Accepted)

// Serve accept 循环，直到 ctx 取消或监听器关闭
//
// 每个接入在单独的 goroutine 中协商；协商失败只关闭该连接。
// accept 出错（如文件描述符耗尽）按速率限制重试。
func Serve(ctx context.Context, ln Listener, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	limiter := rate.NewLimiter(rate.Every(acceptRetryInterval), 1)
	for {
		hs, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			corelog.Warnf("%s: accept failed: %v", ln.Addr(), err)
			if werr := limiter.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		safe.Go("local handshake", func() {
			acc, err := hs(ctx)
			if err != nil {
				if coreerrors.IsProtocol(err) {
					corelog.Debugf("%s: local negotiation failed: %v", ln.Addr(), err)
				} else {
					corelog.Warnf("%s: local negotiation failed: %v", ln.Addr(), err)
				}
				return
			}
			handle(ctx, acc)
		})
	}
}

// withDeadline 协商期间设置截止时间，返回清除函数
func withDeadline(ctx context.Context, conn net.Conn) func() {
	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	return func() { conn.SetDeadline(time.Time{}) }
}

func listenError(err error, network, addr string) error {
	return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "cannot listen on %s %s", network, addr)
}
