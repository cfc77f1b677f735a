package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/dns"
	"wstunnel-go/internal/protocol/wire"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ws://example.com", "example.com:80"},
		{"http://example.com", "example.com:80"},
		{"wss://example.com", "example.com:443"},
		{"https://[::1]", "[::1]:443"},
		{"wss://example.com:8443", "example.com:8443"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, HostPort(u))
		})
	}
}

func TestParseHeader(t *testing.T) {
	name, value, err := ParseHeader(" X-Token :  abc:def ")
	require.NoError(t, err)
	assert.Equal(t, "X-Token", name)
	assert.Equal(t, "abc:def", value)

	for _, bad := range []string{"no-colon", ": value"} {
		_, _, err := ParseHeader(bad)
		assert.True(t, coreerrors.IsConfig(err), bad)
	}
}

func TestHeaders_Build(t *testing.T) {
	file := filepath.Join(t.TempDir(), "headers")
	require.NoError(t, os.WriteFile(file, []byte("# comment\nX-Static: from-file\n\nX-Dynamic: 1\ngarbage\n"), 0o600))

	h := Headers{
		Static:             http.Header{"X-Static": {"static"}, "X-Other": {"kept"}},
		File:               file,
		UpgradeCredentials: "user:pass",
	}
	out := h.Build()
	assert.Equal(t, "from-file", out.Get("X-Static"))
	assert.Equal(t, "kept", out.Get("X-Other"))
	assert.Equal(t, "1", out.Get("X-Dynamic"))
	assert.Equal(t, BasicAuth("user", "pass"), out.Get("Authorization"))
	assert.Equal(t, "static", h.Static.Get("X-Static"), "static headers must not be modified")

	// 文件每次重新读取
	require.NoError(t, os.WriteFile(file, []byte("X-Dynamic: 2\n"), 0o600))
	assert.Equal(t, "2", h.Build().Get("X-Dynamic"))

	h.File = filepath.Join(t.TempDir(), "missing")
	assert.Equal(t, "static", h.Build().Get("X-Static"))
}

func TestStreamConn(t *testing.T) {
	pr, pw := io.Pipe()
	var closed int
	var written strings.Builder
	conn := NewStreamConn(StreamConnOptions{
		Reader:  pr,
		Writer:  &written,
		OnClose: func() error { closed++; return nil },
	})

	assert.ErrorIs(t, conn.CloseWrite(), errors.ErrUnsupported)
	assert.Equal(t, "h2-remote", conn.RemoteAddr().String())

	go pw.Write([]byte("in"))
	buf := make([]byte, 2)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "in", string(buf))

	_, err = conn.Write([]byte("out"))
	require.NoError(t, err)
	assert.Equal(t, "out", written.String())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, closed)
}

func TestProxyConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gotAuth := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		gotAuth <- req.Header.Get("Proxy-Authorization")
		if req.Host != "target:443" {
			io.WriteString(conn, "HTTP/1.1 403 Forbidden\r\n\r\n")
			return
		}
		// 响应和首个字节同时到达
		io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\nearly")
		io.Copy(io.Discard, conn)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	proxy := &url.URL{Scheme: "http", Host: ln.Addr().String(), User: url.UserPassword("u", "p")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := ProxyConnect(ctx, raw, proxy, "target:443")
	require.NoError(t, err)
	assert.Equal(t, BasicAuth("u", "p"), <-gotAuth)

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf))
}

func TestWSConn_HalfClose(t *testing.T) {
	for _, mask := range []bool{true, false} {
		t.Run(fmt.Sprintf("mask=%v", mask), func(t *testing.T) {
			upgrader := websocket.Upgrader{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upgraded, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				conn := NewWSConn(upgraded.NetConn(), WSConnOptions{})
				defer conn.Close()
				// 读到对端 Close 帧后仍然可以回写
				data, _ := io.ReadAll(conn)
				conn.Write(append([]byte("echo:"), data...))
				conn.CloseWrite()
			}))
			defer srv.Close()

			raw, br, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
			require.NoError(t, err)
			conn := NewWSConn(raw, WSConnOptions{Reader: br, Mask: mask})
			defer conn.Close()

			_, err = conn.Write([]byte("hello"))
			require.NoError(t, err)
			require.NoError(t, conn.CloseWrite())

			reply, err := io.ReadAll(conn)
			require.NoError(t, err)
			assert.Equal(t, "echo:hello", string(reply))
		})
	}
}

func TestWSConn_FrameMasking(t *testing.T) {
	tests := []struct {
		name string
		mask bool
	}{
		{"masked", true},
		{"unmasked", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			conn := NewWSConn(local, WSConnOptions{Mask: tt.mask})
			defer conn.Close()
			defer remote.Close()

			go conn.Write([]byte("payload"))

			h, err := ws.ReadHeader(remote)
			require.NoError(t, err)
			assert.Equal(t, tt.mask, h.Masked)
			assert.Equal(t, ws.OpBinary, h.OpCode)
			payload := make([]byte, h.Length)
			_, err = io.ReadFull(remote, payload)
			require.NoError(t, err)
			if h.Masked {
				ws.Cipher(payload, h.Mask, 0)
			}
			assert.Equal(t, "payload", string(payload))

			// 读方向不论对端是否掩码都接受
			frame := ws.NewBinaryFrame([]byte("reply"))
			if !tt.mask {
				frame = ws.MaskFrame(frame)
			}
			go ws.WriteFrame(remote, frame)
			buf := make([]byte, 5)
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			assert.Equal(t, "reply", string(buf))
		})
	}
}

func TestWSConn_AnswersPing(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewWSConn(local, WSConnOptions{})
	defer conn.Close()
	defer remote.Close()
	go io.Copy(io.Discard, conn)

	go ws.WriteFrame(remote, ws.NewPingFrame([]byte("hb")))
	f, err := ws.ReadFrame(remote)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, f.Header.OpCode)
	assert.Equal(t, "hb", string(f.Payload))
}

func shortenPongGrace(t *testing.T, d time.Duration) {
	t.Helper()
	saved := minPongGrace
	minPongGrace = d
	t.Cleanup(func() { minPongGrace = saved })
}

func TestWSConn_PongTimeout(t *testing.T) {
	shortenPongGrace(t, 100*time.Millisecond)

	tests := []struct {
		name      string
		peer      func(conn net.Conn)
		unhealthy bool
	}{
		{
			name:      "silent peer",
			peer:      func(conn net.Conn) { io.Copy(io.Discard, conn) },
			unhealthy: true,
		},
		{
			name: "answering peer",
			peer: func(conn net.Conn) {
				peer := NewWSConn(conn, WSConnOptions{})
				io.Copy(io.Discard, peer)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			defer remote.Close()
			go tt.peer(remote)

			conn := NewWSConn(local, WSConnOptions{Ping: 50 * time.Millisecond, Mask: true})
			defer conn.Close()

			readErr := make(chan error, 1)
			go func() {
				_, err := conn.Read(make([]byte, 1))
				readErr <- err
			}()

			if !tt.unhealthy {
				select {
				case err := <-readErr:
					t.Fatalf("read failed while peer answers pings: %v", err)
				case <-time.After(time.Second):
				}
				assert.False(t, conn.Unhealthy())
				return
			}

			select {
			case err := <-readErr:
				assert.Equal(t, coreerrors.CodeTransportError, coreerrors.GetCode(err))
			case <-time.After(5 * time.Second):
				t.Fatal("read did not time out")
			}
			assert.True(t, conn.Unhealthy())
		})
	}
}

func TestClient_PongTimeoutDropsPooledConnection(t *testing.T) {
	shortenPongGrace(t, 100*time.Millisecond)

	hold := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgraded, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer upgraded.Close()
		// 不读取连接，ping 得不到回复
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	resolver, err := dns.NewResolver(dns.Options{})
	require.NoError(t, err)
	remote, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	c, err := NewClient(context.Background(), ClientOptions{
		Remote:        remote,
		PathPrefix:    "v1",
		Dialer:        &Dialer{Resolver: resolver},
		PingFrequency: 50 * time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := c.Open(ctx, wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: 22})
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, conn.(*WSConn).Unhealthy())
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		s := c.Pool().Stats()
		return s.Active == 0 && s.Unhealthy == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_UpgradeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "path prefix not allowed", http.StatusForbidden)
	}))
	defer srv.Close()

	resolver, err := dns.NewResolver(dns.Options{})
	require.NoError(t, err)
	remote, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	c, err := NewClient(context.Background(), ClientOptions{
		Remote:     remote,
		PathPrefix: "v1",
		Dialer:     &Dialer{Resolver: resolver},
		MaxBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Open(context.Background(), wire.Request{Kind: wire.KindTCP, Host: "127.0.0.1", Port: 22})
	assert.True(t, coreerrors.IsRestrictionDenied(err), "got %v", err)
	assert.Contains(t, err.Error(), "path prefix not allowed")
}
