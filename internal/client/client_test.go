package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/server"
	"wstunnel-go/internal/tunnel"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func tcpEcho(t *testing.T) int {
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
	return ln.Addr().(*net.TCPAddr).Port
}

func udpEcho(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func startServer(t *testing.T, scheme string) *url.URL {
	t.Helper()
	s, err := server.New(context.Background(), server.Config{
		Listen:             &url.URL{Scheme: scheme, Host: "127.0.0.1:0"},
		ReverseIdleTimeout: time.Second,
		ShutdownGrace:      100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return &url.URL{Scheme: scheme, Host: s.Addr().String()}
}

func routes(t *testing.T, args ...string) []tunnel.Spec {
	t.Helper()
	specs := make([]tunnel.Spec, 0, len(args))
	for _, arg := range args {
		spec, err := tunnel.Parse(arg)
		require.NoError(t, err, arg)
		specs = append(specs, spec)
	}
	return specs
}

func runClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "v1"
	}
	cfg.ShutdownGrace = 100 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.ReverseMaxBackoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(ctx, cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// dialEventually 等待本地监听就绪
func dialEventually(t *testing.T, network, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial(network, addr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestForwardTCP(t *testing.T) {
	echo := tcpEcho(t)
	for _, scheme := range []string{"ws", "http"} {
		t.Run(scheme, func(t *testing.T) {
			local := freePort(t)
			runClient(t, Config{
				Remote:        startServer(t, scheme),
				LocalToRemote: routes(t, fmt.Sprintf("tcp://%d:127.0.0.1:%d", local, echo)),
			})

			conn := dialEventually(t, "tcp", fmt.Sprintf("127.0.0.1:%d", local))
			roundTrip(t, conn, "ping")
			roundTrip(t, conn, "pong")
		})
	}
}

func TestForwardUDP(t *testing.T) {
	echo := udpEcho(t)
	local := freePort(t)
	runClient(t, Config{
		Remote:        startServer(t, "ws"),
		LocalToRemote: routes(t, fmt.Sprintf("udp://%d:127.0.0.1:%d?timeout_sec=5", local, echo)),
	})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", local))
	require.NoError(t, err)
	defer conn.Close()

	// 监听就绪前发出的数据报会丢失，重发直到收到回显
	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		conn.Write([]byte("datagram"))
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		return err == nil && string(buf[:n]) == "datagram"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForwardSocks5(t *testing.T) {
	echo := tcpEcho(t)
	local := freePort(t)
	runClient(t, Config{
		Remote:        startServer(t, "ws"),
		LocalToRemote: routes(t, fmt.Sprintf("socks5://%d", local)),
	})
	dialEventually(t, "tcp", fmt.Sprintf("127.0.0.1:%d", local)).Close()

	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", local), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", echo))
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn, "via socks")
}

func dialSocks5(t *testing.T, proxyAddr, target string) net.Conn {
	t.Helper()
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", target)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialHTTPConnect(t *testing.T, proxyAddr, target string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return conn
}

func TestProxyIdleTimeout(t *testing.T) {
	echo := tcpEcho(t)
	target := fmt.Sprintf("127.0.0.1:%d", echo)

	tests := []struct {
		name    string
		route   string
		reverse bool
		dial    func(t *testing.T, proxyAddr, target string) net.Conn
		reaped  bool
	}{
		{"socks5 timeout", "socks5://%d?timeout_sec=1", false, dialSocks5, true},
		{"http timeout", "http://%d?timeout_sec=1", false, dialHTTPConnect, true},
		{"reverse socks5 timeout", "socks5://%d?timeout_sec=1", true, dialSocks5, true},
		{"socks5 no timeout", "socks5://%d?timeout_sec=0", false, dialSocks5, false},
		{"http no timeout", "http://%d?timeout_sec=0", false, dialHTTPConnect, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := freePort(t)
			cfg := Config{Remote: startServer(t, "ws")}
			if tt.reverse {
				cfg.RemoteToLocal = routes(t, fmt.Sprintf(tt.route, port))
			} else {
				cfg.LocalToRemote = routes(t, fmt.Sprintf(tt.route, port))
			}
			c := runClient(t, cfg)
			proxyAddr := fmt.Sprintf("127.0.0.1:%d", port)
			dialEventually(t, "tcp", proxyAddr).Close()

			conn := tt.dial(t, proxyAddr, target)
			roundTrip(t, conn, "before idle")
			require.Eventually(t, func() bool { return c.Tracker().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

			if tt.reaped {
				assert.Eventually(t, func() bool { return c.Tracker().Len() == 0 }, 5*time.Second, 50*time.Millisecond)
				require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
				_, err := conn.Read(make([]byte, 1))
				assert.Error(t, err)
				return
			}

			time.Sleep(2500 * time.Millisecond)
			assert.Equal(t, 1, c.Tracker().Len())
			roundTrip(t, conn, "after idle")
		})
	}
}

func TestForwardTCP_IgnoresIdleTimeout(t *testing.T) {
	echo := tcpEcho(t)
	local := freePort(t)
	c := runClient(t, Config{
		Remote:        startServer(t, "ws"),
		LocalToRemote: routes(t, fmt.Sprintf("tcp://%d:127.0.0.1:%d?timeout_sec=1", local, echo)),
	})

	conn := dialEventually(t, "tcp", fmt.Sprintf("127.0.0.1:%d", local))
	roundTrip(t, conn, "before idle")
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, 1, c.Tracker().Len())
	roundTrip(t, conn, "after idle")
}

func TestReverseTCP(t *testing.T) {
	echo := tcpEcho(t)
	bind := freePort(t)
	c := runClient(t, Config{
		Remote:        startServer(t, "ws"),
		RemoteToLocal: routes(t, fmt.Sprintf("tcp://%d:127.0.0.1:%d", bind, echo)),
	})

	conn := dialEventually(t, "tcp", fmt.Sprintf("127.0.0.1:%d", bind))
	roundTrip(t, conn, "reverse")
	assert.Eventually(t, func() bool { return c.Tracker().Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRun_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c, err := New(context.Background(), Config{
		Remote:        &url.URL{Scheme: "ws", Host: "127.0.0.1:1"},
		LocalToRemote: routes(t, fmt.Sprintf("tcp://%d:localhost:22", ln.Addr().(*net.TCPAddr).Port)),
		ShutdownGrace: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	err = c.Run(context.Background())
	assert.True(t, coreerrors.IsConfig(err), "got %v", err)
}

func TestNew_NoTunnels(t *testing.T) {
	_, err := New(context.Background(), Config{Remote: &url.URL{Scheme: "ws", Host: "127.0.0.1:1"}})
	assert.True(t, coreerrors.IsConfig(err))
}
