// Package client 隧道客户端
//
// 在本地监听正向路由，把每个接入经传输层送往服务端；
// 同时维持反向控制连接，为服务端转来的接入在本地拨号。
package client

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"wstunnel-go/internal/core/dispose"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/dns"
	"wstunnel-go/internal/protocol/adapter"
	"wstunnel-go/internal/protocol/wire"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
)

const (
	// DefaultMaxBackoff 正向连接重试上限
	DefaultMaxBackoff = 5 * time.Minute

	// DefaultReverseMaxBackoff 反向控制连接重试上限
	DefaultReverseMaxBackoff = time.Second

	// DefaultShutdownGrace 退出时等待活跃隧道的时间
	DefaultShutdownGrace = 5 * time.Second
)

// Config 客户端运行参数
type Config struct {
	Remote     *url.URL
	PathPrefix string
	Headers    transport.Headers

	PingFrequency time.Duration
	MaskFrame     bool

	// Dialer 连接服务端；其 Resolver 也用于反向隧道的本地拨号
	Dialer *transport.Dialer

	MinIdle           int
	MaxBackoff        time.Duration
	ReverseMaxBackoff time.Duration

	LocalToRemote []tunnel.Spec
	RemoteToLocal []tunnel.Spec

	ShutdownGrace time.Duration
}

// Client 隧道客户端
type Client struct {
	cfg       Config
	transport *transport.Client
	resolver  *dns.Resolver
	tracker   *tunnel.Tracker
	dispose   *dispose.Dispose
}

// New 创建客户端并启动连接池
func New(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.LocalToRemote) == 0 && len(cfg.RemoteToLocal) == 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "no tunnel configured")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.Dialer{}
	}
	if cfg.Dialer.Resolver == nil {
		resolver, err := dns.NewResolver(dns.Options{})
		if err != nil {
			return nil, err
		}
		d := *cfg.Dialer
		d.Resolver = resolver
		cfg.Dialer = &d
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.ReverseMaxBackoff <= 0 {
		cfg.ReverseMaxBackoff = DefaultReverseMaxBackoff
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	c := &Client{
		cfg:      cfg,
		resolver: cfg.Dialer.Resolver,
		tracker:  tunnel.NewTracker("client"),
		dispose:  dispose.New(ctx, "client"),
	}
	tc, err := transport.NewClient(c.dispose.Ctx(), transport.ClientOptions{
		Remote:        cfg.Remote,
		PathPrefix:    cfg.PathPrefix,
		Headers:       cfg.Headers,
		PingFrequency: cfg.PingFrequency,
		MaskFrame:     cfg.MaskFrame,
		Dialer:        cfg.Dialer,
		MinIdle:       cfg.MinIdle,
		MaxBackoff:    cfg.MaxBackoff,
	})
	if err != nil {
		c.dispose.Close()
		return nil, err
	}
	c.transport = tc
	c.dispose.AddCloser("transport", tc)
	return c, nil
}

// Tracker 活跃的逻辑隧道
func (c *Client) Tracker() *tunnel.Tracker {
	return c.tracker
}

// Run 绑定全部本地监听并运行直到 ctx 取消；绑定失败立即返回
// stdio 路由的会话结束后 Run 也随之返回
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listeners := make([]adapter.Listener, 0, len(c.cfg.LocalToRemote))
	for _, spec := range c.cfg.LocalToRemote {
		ln, err := adapter.Listen(ctx, spec)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			c.Close()
			return err
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, ln := range listeners {
		spec := c.cfg.LocalToRemote[i]
		g.Go(func() error {
			return adapter.Serve(gctx, ln, c.forward(spec))
		})
		if finite, ok := ln.(interface{ Done() <-chan struct{} }); ok {
			go func() {
				select {
				case <-finite.Done():
					corelog.Infof("client: %s session ended", spec.Protocol.Kind)
					cancel()
				case <-gctx.Done():
				}
			}()
		}
	}
	if len(c.cfg.RemoteToLocal) > 0 {
		g.Go(func() error {
			return c.runReverse(gctx)
		})
	}

	err := g.Wait()
	c.Close()
	return err
}

// forward 为一条正向路由生成接入处理函数
func (c *Client) forward(spec tunnel.Spec) adapter.Handler {
	return func(ctx context.Context, acc *adapter.Accepted) {
		req := wire.Request{
			Kind:          wire.KindTCP,
			Host:          acc.Host,
			Port:          acc.Port,
			ProxyProtocol: spec.Protocol.ProxyProtocol,
		}
		session := tunnel.Session{
			Kind:        acc.Kind,
			Destination: acc.Destination(),
			Peer:        acc.Peer,
		}
		if acc.Kind == tunnel.KindUDP {
			req.Kind = wire.KindUDP
			req.Timeout = spec.Protocol.Timeout
			session.IdleTimeout = spec.Protocol.Timeout
		}
		// socks5/http 接入后按 TCP 转发，空闲超时仍取路由的 timeout_sec
		if spec.Protocol.Kind.HasTimeout() {
			session.IdleTimeout = spec.Protocol.Timeout
		}

		remote, err := c.transport.Open(ctx, req)
		if err != nil {
			corelog.Warnf("client: cannot open tunnel to %s for %s: %v", session.Destination, acc.Peer, err)
			acc.Ready(err)
			return
		}
		if err := acc.Ready(nil); err != nil {
			remote.Close()
			return
		}
		c.tracker.Splice(session, acc.Conn, remote)
	}
}

// Close 等待活跃隧道最多 ShutdownGrace 后关闭连接池
func (c *Client) Close() error {
	c.tracker.Shutdown(c.cfg.ShutdownGrace)
	return c.dispose.Close()
}

// Run 创建并运行客户端
func Run(ctx context.Context, cfg Config) error {
	c, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
