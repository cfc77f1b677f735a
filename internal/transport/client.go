package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/net/http2"

	"wstunnel-go/internal/core/dispose"
	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/pool"
	"wstunnel-go/internal/protocol/wire"
)

// DefaultHandshakeTimeout 升级 / h2 响应头的等待时间
const DefaultHandshakeTimeout = 20 * time.Second

// ClientOptions 传输层客户端配置
type ClientOptions struct {
	// Remote ws://, wss://（WebSocket）或 http://, https://（HTTP/2）
	Remote *url.URL

	// PathPrefix 升级路径前缀
	PathPrefix string

	Headers Headers

	// PingFrequency WebSocket ping 间隔，0 关闭
	PingFrequency time.Duration

	// MaskFrame 客户端帧是否加掩码，服务端两种都接受
	MaskFrame bool

	// Dialer TLS 为空且 scheme 为 wss/https 时报错
	Dialer *Dialer

	MinIdle    int
	MaxBackoff time.Duration
}

// Client 打开到服务端的逻辑隧道
type Client struct {
	opts    ClientOptions
	addr    string
	host    string
	secure  bool
	http2   bool
	pool    *pool.Pool
	h2      *http2.Transport
	dispose *dispose.Dispose
}

// IsSecureScheme wss/https
func IsSecureScheme(scheme string) bool {
	return scheme == "wss" || scheme == "https"
}

// IsHTTP2Scheme http/https 走 HTTP/2，ws/wss 走 WebSocket
func IsHTTP2Scheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// HostPort 补全默认端口
func HostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if IsSecureScheme(u.Scheme) {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// NewClient 创建客户端并启动连接池
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.Remote == nil || opts.Remote.Hostname() == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "remote address is required")
	}
	switch opts.Remote.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unsupported remote scheme %q", opts.Remote.Scheme)
	}
	if opts.Dialer == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "transport dialer is required")
	}

	c := &Client{
		opts:    opts,
		addr:    HostPort(opts.Remote),
		host:    opts.Remote.Hostname(),
		secure:  IsSecureScheme(opts.Remote.Scheme),
		http2:   IsHTTP2Scheme(opts.Remote.Scheme),
		dispose: dispose.New(ctx, "transport client"),
	}
	if c.secure && opts.Dialer.TLS == nil {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "%s requires tls configuration", opts.Remote.Scheme)
	}
	if !c.secure && opts.Dialer.TLS != nil {
		d := *opts.Dialer
		d.TLS = nil
		c.opts.Dialer = &d
	}

	dialer := *c.opts.Dialer
	if c.http2 {
		dialer.NextProtos = []string{"h2"}
	} else {
		dialer.NextProtos = []string{"http/1.1"}
	}

	c.pool = pool.New(c.dispose.Ctx(), func(ctx context.Context) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
		return dialer.Dial(ctx, c.addr)
	}, pool.Options{
		Name:       "pool " + c.addr,
		MinIdle:    opts.MinIdle,
		MaxBackoff: opts.MaxBackoff,
	})
	c.dispose.AddCloser("connection pool", c.pool)

	if c.http2 {
		c.h2 = &http2.Transport{
			AllowHTTP: !c.secure,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				conn, err := c.pool.Acquire(ctx)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
		}
		if opts.PingFrequency > 0 {
			c.h2.ReadIdleTimeout = opts.PingFrequency
			c.h2.PingTimeout = max(opts.PingFrequency, minPongGrace)
		}
		c.dispose.AddCleanHandler("http2 transport", func() error {
			c.h2.CloseIdleConnections()
			return nil
		})
	}
	return c, nil
}

// Pool 底层连接池
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Open 发起一个逻辑隧道，返回的连接承载该隧道的字节流
func (c *Client) Open(ctx context.Context, req wire.Request) (net.Conn, error) {
	token, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	path := wire.UpgradePath(c.opts.PathPrefix, token)
	if c.http2 {
		return c.openHTTP2(ctx, path)
	}
	return c.openWebSocket(ctx, path)
}

func (c *Client) openWebSocket(ctx context.Context, path string) (net.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	header := c.opts.Headers.Build()
	// 池中连接已完成 TLS，握手 URL 只决定 Host 和路径
	u := url.URL{Scheme: "ws", Host: c.opts.Remote.Host, Path: path}
	if host := header.Get("Host"); host != "" {
		u.Host = host
		header.Del("Host")
	}

	var rejected *http.Response
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(header),
		OnStatusError: func(status int, reason []byte, raw io.Reader) {
			rejected = readRejection(status, reason, raw)
		},
	}

	conn.SetDeadline(time.Now().Add(DefaultHandshakeTimeout))
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	br, _, err := dialer.Upgrade(conn, &u)
	stopped := stop()
	if err == nil && !stopped {
		err = ctx.Err()
	}
	if err != nil {
		if rejected == nil {
			conn.MarkUnhealthy()
		}
		conn.Close()
		if rejected == nil && ctx.Err() != nil {
			return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeCancelled, "websocket handshake")
		}
		return nil, handshakeError(rejected, err)
	}
	conn.SetDeadline(time.Time{})

	wc := NewWSConn(conn, WSConnOptions{
		Reader: br,
		Ping:   c.opts.PingFrequency,
		Mask:   c.opts.MaskFrame,
	})
	wc.OnClose(func(unhealthy bool) {
		if unhealthy {
			conn.MarkUnhealthy()
		}
	})
	return wc, nil
}

// readRejection 解析非 101 的升级响应，只保留状态和响应体开头
func readRejection(status int, reason []byte, raw io.Reader) *http.Response {
	resp, err := http.ReadResponse(bufio.NewReader(raw), nil)
	if err != nil {
		return &http.Response{StatusCode: status, Status: fmt.Sprintf("%d %s", status, reason)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp
}

func (c *Client) openHTTP2(ctx context.Context, path string) (net.Conn, error) {
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: c.opts.Remote.Host, Path: path}

	// 流的生命周期独立于打开请求的 ctx
	streamCtx, cancel := context.WithCancel(c.dispose.Ctx())
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, u.String(), pr)
	if err != nil {
		cancel()
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "build http2 request")
	}
	req.Header = c.opts.Headers.Build()
	req.Header.Set("Content-Type", "application/octet-stream")
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}

	type roundTrip struct {
		resp *http.Response
		err  error
	}
	done := make(chan roundTrip, 1)
	go func() {
		resp, err := c.h2.RoundTrip(req)
		done <- roundTrip{resp, err}
	}()

	var rt roundTrip
	select {
	case rt = <-done:
	case <-ctx.Done():
		cancel()
		pw.Close()
		return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeCancelled, "http2 stream open")
	}
	if rt.err != nil {
		cancel()
		pw.Close()
		if coreerrors.GetCode(rt.err) != coreerrors.CodeInternal {
			return nil, rt.err
		}
		return nil, coreerrors.Wrap(rt.err, coreerrors.CodeTransportError, "http2 request failed")
	}
	if rt.resp.StatusCode != http.StatusOK {
		rt.resp.Body.Close()
		cancel()
		pw.Close()
		return nil, handshakeError(rt.resp, nil)
	}

	return NewStreamConn(StreamConnOptions{
		Reader:     rt.resp.Body,
		Writer:     pw,
		CloseWrite: pw.Close,
		OnClose: func() error {
			pw.Close()
			cancel()
			return nil
		},
		RemoteAddr: streamAddr(c.addr),
	}), nil
}

// handshakeError 按服务端状态码分类升级失败
func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		if coreerrors.GetCode(err) != coreerrors.CodeInternal {
			return err
		}
		return coreerrors.Wrap(err, coreerrors.CodeTransportError, "upgrade failed")
	}
	reason := resp.Status
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			reason += ": " + msg
		}
	}
	if resp.StatusCode == http.StatusForbidden {
		return coreerrors.Newf(coreerrors.CodeRestrictionDenied, "server rejected tunnel: %s", reason)
	}
	return coreerrors.Newf(coreerrors.CodeTransportError, "server rejected upgrade: %s", reason)
}

// Close 关闭连接池，已打开的隧道不受影响
func (c *Client) Close() error {
	return c.dispose.Close()
}
