package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/dns"
	"wstunnel-go/internal/protocol/wire"
	"wstunnel-go/internal/server/restrict"
	"wstunnel-go/internal/tlsconfig"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/watch"
)

// echoServer 回显 TCP 服务，返回端口
func echoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func startServer(t *testing.T, scheme string, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Listen:             &url.URL{Scheme: scheme, Host: "127.0.0.1:0"},
		ReverseIdleTimeout: 200 * time.Millisecond,
		ShutdownGrace:      100 * time.Millisecond,
	}
	if transport.IsSecureScheme(scheme) {
		tlsServer, err := tlsconfig.NewServer(context.Background(), tlsconfig.ServerOptions{})
		require.NoError(t, err)
		t.Cleanup(func() { tlsServer.Close() })
		cfg.TLS = tlsServer
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s
}

func newTransport(t *testing.T, s *Server, prefix string) *transport.Client {
	t.Helper()
	return newTransportTLS(t, s, prefix, tlsconfig.ClientOptions{})
}

func newTransportTLS(t *testing.T, s *Server, prefix string, tlsOpts tlsconfig.ClientOptions) *transport.Client {
	t.Helper()
	return newTransportWith(t, s, transport.ClientOptions{PathPrefix: prefix}, tlsOpts)
}

func newTransportWith(t *testing.T, s *Server, opts transport.ClientOptions, tlsOpts tlsconfig.ClientOptions) *transport.Client {
	t.Helper()
	resolver, err := dns.NewResolver(dns.Options{})
	require.NoError(t, err)
	dialer := &transport.Dialer{Resolver: resolver}
	if transport.IsSecureScheme(s.cfg.Listen.Scheme) {
		tlsClient, err := tlsconfig.NewClient(context.Background(), tlsOpts)
		require.NoError(t, err)
		t.Cleanup(func() { tlsClient.Close() })
		dialer.TLS = tlsClient
	}

	opts.Remote = &url.URL{Scheme: s.cfg.Listen.Scheme, Host: s.Addr().String()}
	opts.Dialer = dialer
	opts.MaxBackoff = 10 * time.Millisecond
	c, err := transport.NewClient(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func echoRoundTrip(t *testing.T, conn io.ReadWriter, msg string) {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestForward_AllTransports(t *testing.T) {
	echo := echoServer(t)
	for _, scheme := range []string{"ws", "wss", "http", "https"} {
		t.Run(scheme, func(t *testing.T) {
			s := startServer(t, scheme, nil)
			c := newTransport(t, s, "v1")

			conn, err := c.Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: echo})
			require.NoError(t, err)
			defer conn.Close()

			echoRoundTrip(t, conn, "hello over "+scheme)
			echoRoundTrip(t, conn, "second message")
		})
	}
}

func TestForward_ClientFrameMasking(t *testing.T) {
	echo := echoServer(t)
	tests := []struct {
		scheme string
		mask   bool
	}{
		{"ws", false},
		{"ws", true},
		{"wss", false},
		{"wss", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/mask=%v", tt.scheme, tt.mask), func(t *testing.T) {
			s := startServer(t, tt.scheme, nil)
			c := newTransportWith(t, s, transport.ClientOptions{
				PathPrefix:    "v1",
				MaskFrame:     tt.mask,
				PingFrequency: 50 * time.Millisecond,
			}, tlsconfig.ClientOptions{})

			conn, err := c.Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: echo})
			require.NoError(t, err)
			defer conn.Close()

			echoRoundTrip(t, conn, "first")
			// 间隔内有 ping/pong 往返
			time.Sleep(200 * time.Millisecond)
			echoRoundTrip(t, conn, strings.Repeat("x", 70000))
		})
	}
}

func TestForward_ProxyProtocolHeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		header  *proxyproto.Header
		payload string
		err     error
	}
	got := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- result{err: err}
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		header, err := proxyproto.Read(br)
		if err != nil {
			got <- result{err: err}
			return
		}
		buf := make([]byte, 5)
		_, err = io.ReadFull(br, buf)
		got <- result{header: header, payload: string(buf), err: err}
	}()

	s := startServer(t, "ws", nil)
	c := newTransport(t, s, "v1")
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	conn, err := c.Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: port, ProxyProtocol: true})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, byte(2), r.header.Version)
		src, ok := r.header.SourceAddr.(*net.TCPAddr)
		require.True(t, ok)
		assert.True(t, src.IP.IsLoopback())
		assert.Equal(t, ln.Addr().String(), r.header.DestinationAddr.String())
		assert.Equal(t, "hello", r.payload)
	case <-time.After(5 * time.Second):
		t.Fatal("destination received nothing")
	}
}

func TestForward_RestrictTo(t *testing.T) {
	echo := echoServer(t)
	rules, err := restrict.FromSimple([]string{"127.0.0.1:" + strconv.Itoa(int(echo))}, nil)
	require.NoError(t, err)
	s := startServer(t, "ws", func(cfg *Config) {
		cfg.Restrictions = watch.Static(rules)
	})
	c := newTransport(t, s, "v1")

	conn, err := c.Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: echo})
	require.NoError(t, err)
	echoRoundTrip(t, conn, "allowed")
	conn.Close()

	_, err = c.Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "other.com", Port: 443})
	require.Error(t, err)
	assert.True(t, coreerrors.IsRestrictionDenied(err), "got %v", err)
}

func TestForward_PathPrefixRestriction(t *testing.T) {
	echo := echoServer(t)
	rules, err := restrict.FromSimple(nil, []string{"secret"})
	require.NoError(t, err)
	s := startServer(t, "http", func(cfg *Config) {
		cfg.Restrictions = watch.Static(rules)
	})

	_, err = newTransport(t, s, "v1").Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: echo})
	assert.True(t, coreerrors.IsRestrictionDenied(err), "got %v", err)

	conn, err := newTransport(t, s, "secret").Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: echo})
	require.NoError(t, err)
	defer conn.Close()
	echoRoundTrip(t, conn, "ok")
}

func TestForward_UnreachableDestination(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	s := startServer(t, "ws", nil)
	_, err = newTransport(t, s, "v1").Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeTransportError), "got %v", err)
	assert.Contains(t, err.Error(), "502")
}

func TestHandler_InvalidToken(t *testing.T) {
	s := startServer(t, "ws", nil)

	resp, err := http.Get("http://" + s.Addr().String() + "/v1/not-a-token")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Listen: &url.URL{Scheme: "ftp", Host: "127.0.0.1:0"}})
	assert.True(t, coreerrors.IsConfig(err))

	_, err = New(context.Background(), Config{Listen: &url.URL{Scheme: "wss", Host: "127.0.0.1:0"}})
	assert.True(t, coreerrors.IsConfig(err))
}

// reverseSession 以客户端身份建立反向控制连接
func reverseSession(t *testing.T, c *transport.Client, routes ...string) *yamux.Session {
	t.Helper()
	conn, err := c.Open(context.Background(), wire.Request{Kind: wire.KindReverse, Routes: routes})
	require.NoError(t, err)
	session, err := yamux.Client(conn, transport.MuxConfig(0))
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestReverse_ForwardsAndUnbinds(t *testing.T) {
	s := startServer(t, "ws", nil)
	c := newTransport(t, s, "v1")
	port := freePort(t)
	bind := "127.0.0.1:" + strconv.Itoa(port)

	session := reverseSession(t, c, "tcp://"+bind+":localhost:22")
	require.Eventually(t, func() bool {
		return len(s.reverse.bound()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// 客户端一侧：读取打开请求后回显
	go func() {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		defer stream.Close()
		req, err := wire.ReadOpen(stream)
		if err != nil || req.Destination() != "localhost:22" {
			wire.WriteStatus(stream, wire.StatusFailed)
			return
		}
		wire.WriteStatus(stream, wire.StatusOK)
		io.Copy(stream, stream)
	}()

	conn, err := net.Dial("tcp", bind)
	require.NoError(t, err)
	echoRoundTrip(t, conn, "through the control connection")
	conn.Close()

	// 客户端断开后，在空闲期内到达的连接立即被拒绝
	session.Close()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", bind)
		if err != nil {
			return true
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err = conn.Read(make([]byte, 1))
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(s.reverse.bound()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReverse_RestrictedRoute(t *testing.T) {
	rules, err := restrict.Parse([]byte(`
restrictions:
  - name: forward only
    match:
      - any: true
    allow:
      - tunnel: {}
`))
	require.NoError(t, err)
	s := startServer(t, "ws", func(cfg *Config) {
		cfg.Restrictions = watch.Static(rules)
	})

	_, err = newTransport(t, s, "v1").Open(context.Background(),
		wire.Request{Kind: wire.KindReverse, Routes: []string{"tcp://5555:localhost:22"}})
	assert.True(t, coreerrors.IsRestrictionDenied(err), "got %v", err)
}

// writeCertificate 把自签名证书写成 PEM 文件，同时可作为 CA
func writeCertificate(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()
	kp, err := tlsconfig.SelfSigned(cn, "localhost", "127.0.0.1")
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(kp.Certificate.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, cn+".crt")
	keyFile = filepath.Join(dir, cn+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.Certificate.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestMutualTLS_PrefixMustMatchCommonName(t *testing.T) {
	echo := echoServer(t)
	certFile, keyFile := writeCertificate(t, "team-a")

	tlsServer, err := tlsconfig.NewServer(context.Background(), tlsconfig.ServerOptions{ClientCAFile: certFile})
	require.NoError(t, err)
	t.Cleanup(func() { tlsServer.Close() })
	s := startServer(t, "wss", func(cfg *Config) { cfg.TLS = tlsServer })

	clientOpts := tlsconfig.ClientOptions{CertFile: certFile, KeyFile: keyFile}
	req := wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: echo}

	conn, err := newTransportTLS(t, s, "team-a", clientOpts).Open(context.Background(), req)
	require.NoError(t, err)
	echoRoundTrip(t, conn, "mutual")
	conn.Close()

	_, err = newTransportTLS(t, s, "v1", clientOpts).Open(context.Background(), req)
	assert.True(t, coreerrors.IsRestrictionDenied(err), "got %v", err)
}
