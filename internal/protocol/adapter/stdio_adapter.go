package adapter

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/tunnel"
	"wstunnel-go/internal/utils/iocopy"
)

// stdioInUse 每个进程只能有一条 stdio 路由
var stdioInUse atomic.Bool

// stdioListener 进程的标准输入输出作为唯一一个接入
type stdioListener struct {
	in     io.ReadCloser
	out    io.WriteCloser
	spec   tunnel.Spec
	taken  atomic.Bool
	closed chan struct{}
	once   sync.Once
}

func listenStdio(spec tunnel.Spec) (Listener, error) {
	if !stdioInUse.CompareAndSwap(false, true) {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "only one stdio tunnel is allowed per process")
	}
	return newStdioListener(os.Stdin, os.Stdout, spec), nil
}

func newStdioListener(in io.ReadCloser, out io.WriteCloser, spec tunnel.Spec) *stdioListener {
	return &stdioListener{
		in:     in,
		out:    out,
		spec:   spec,
		closed: make(chan struct{}),
	}
}

// Accept 第一次立即返回，之后阻塞到监听器关闭
func (l *stdioListener) Accept() (Handshake, error) {
	if l.taken.CompareAndSwap(false, true) {
		conn, err := iocopy.NewReadWriteCloser(l.in, l.out, func() error {
			l.Close()
			return nil
		}, l.out.Close)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (*Accepted, error) {
			return &Accepted{
				Conn: conn,
				Kind: tunnel.KindTCP,
				Host: l.spec.RemoteHost,
				Port: l.spec.RemotePort,
				Peer: "stdio",
			}, nil
		}, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

// Done stdio 会话结束后关闭
func (l *stdioListener) Done() <-chan struct{} {
	return l.closed
}

func (l *stdioListener) Addr() net.Addr {
	return stdioAddr{}
}

func (l *stdioListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.in.Close()
		l.out.Close()
	})
	return nil
}

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }
