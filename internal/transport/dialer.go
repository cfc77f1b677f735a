// Package transport 客户端与服务端之间的物理连接：TCP（可经 HTTP 代理）、TLS、
// WebSocket 升级和 HTTP/2 流
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"time"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/dns"
	"wstunnel-go/internal/tlsconfig"
)

// DefaultDialTimeout 单次 TCP 建连超时
const DefaultDialTimeout = 10 * time.Second

// NewNetDialer 创建拨号器，mark > 0 时为每个套接字设置 SO_MARK
func NewNetDialer(timeout time.Duration, mark int) *net.Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if mark > 0 {
		d.Control = markControl(mark)
	}
	return d
}

// Dialer 建立到服务端的物理连接
type Dialer struct {
	Resolver *dns.Resolver

	// Proxy 经由的 HTTP 代理，URL 中可携带 user:password
	Proxy *url.URL

	// TLS 为空时使用明文
	TLS *tlsconfig.Client

	// NextProtos ALPN
	NextProtos []string
}

// Dial 建立 TCP 连接（必要时经代理 CONNECT），配置 TLS 时完成握手
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	if d.TLS == nil {
		return conn, nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "invalid address %s", addr)
	}
	tlsConn := tls.Client(conn, d.TLS.Config(host, d.NextProtos...))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTLSError, "tls handshake with %s", addr)
	}
	return tlsConn, nil
}

// DialTCP 建立 TCP 连接，配置代理时通过 CONNECT 隧道
func (d *Dialer) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if d.Proxy == nil {
		return d.Resolver.DialContext(ctx, "tcp", addr)
	}
	conn, err := d.Resolver.DialContext(ctx, "tcp", proxyAddr(d.Proxy))
	if err != nil {
		return nil, err
	}
	tunneled, err := ProxyConnect(ctx, conn, d.Proxy, addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunneled, nil
}

func proxyAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// ProxyConnect 在已连接的代理上发起 CONNECT addr
func ProxyConnect(ctx context.Context, conn net.Conn, proxy *url.URL, addr string) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if proxy.User != nil {
		password, _ := proxy.User.Password()
		req.Header.Set("Proxy-Authorization", BasicAuth(proxy.User.Username(), password))
	}
	if err := req.Write(conn); err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTransportError, "write CONNECT to proxy %s", proxy.Host)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTransportError, "read CONNECT response from proxy %s", proxy.Host)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, coreerrors.Newf(coreerrors.CodeTransportError, "proxy %s refused CONNECT %s: %s", proxy.Host, addr, resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// BasicAuth Basic 认证头的值
func BasicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

// bufferedConn 代理响应后已经读入缓冲的数据先返回
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
