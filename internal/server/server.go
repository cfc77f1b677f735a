// Package server 隧道服务端
//
// 接受 WebSocket 升级或 HTTP/2 POST 请求，按访问规则校验后拨号目标并转发；
// p=reverse 请求建立反向控制连接，由服务端在本地监听并把接入转交给客户端。
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"wstunnel-go/internal/core/dispose"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/dns"
	"wstunnel-go/internal/server/restrict"
	"wstunnel-go/internal/tlsconfig"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
	"wstunnel-go/internal/watch"
)

const (
	// DefaultReverseIdleTimeout 反向监听没有客户端后保留的时间
	DefaultReverseIdleTimeout = 180 * time.Second

	// DefaultShutdownGrace 退出时等待活跃隧道的时间
	DefaultShutdownGrace = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Config 服务端运行参数
type Config struct {
	// Listen ws://, wss://, http:// 或 https:// 绑定地址
	Listen *url.URL

	// TLS wss/https 必填
	TLS *tlsconfig.Server

	// Restrictions 为空或快照为 nil 时不限制
	Restrictions *watch.Reloadable[restrict.Config]

	// Resolver 解析并拨号目标
	Resolver *dns.Resolver

	// PingFrequency WebSocket 与 yamux 心跳间隔，0 关闭
	PingFrequency time.Duration

	ReverseIdleTimeout time.Duration
	DialTimeout        time.Duration
	ShutdownGrace      time.Duration
}

// Server 隧道服务端
type Server struct {
	cfg      Config
	secure   bool
	tracker  *tunnel.Tracker
	reverse  *reverseManager
	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener
	dispose  *dispose.Dispose
}

// New 校验配置并创建服务端，不绑定端口
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Listen == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "listen address is required")
	}
	switch cfg.Listen.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unsupported listen scheme %q", cfg.Listen.Scheme)
	}
	secure := transport.IsSecureScheme(cfg.Listen.Scheme)
	if secure && cfg.TLS == nil {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "%s requires tls configuration", cfg.Listen.Scheme)
	}
	if cfg.Resolver == nil {
		resolver, err := dns.NewResolver(dns.Options{})
		if err != nil {
			return nil, err
		}
		cfg.Resolver = resolver
	}
	if cfg.ReverseIdleTimeout <= 0 {
		cfg.ReverseIdleTimeout = DefaultReverseIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DefaultDialTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	s := &Server{
		cfg:     cfg,
		secure:  secure,
		tracker: tunnel.NewTracker("server"),
		dispose: dispose.New(ctx, "server"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
			ReadBufferSize:   transport.WebSocketBufferSize,
			WriteBufferSize:  transport.WebSocketBufferSize,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	s.reverse = newReverseManager(s.dispose.Ctx(), s.tracker, cfg.ReverseIdleTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/{prefix:.+}/{token}", s.handleTunnel).Methods(http.MethodGet, http.MethodPost)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corelog.Debugf("server: no route for %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		http.Error(w, "not found", http.StatusNotFound)
	})

	s.http = &http.Server{
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          log.New(corelog.DebugWriter("http: "), "", 0),
		BaseContext:       func(net.Listener) context.Context { return s.dispose.Ctx() },
	}
	if secure {
		s.http.Handler = router
		s.http.TLSConfig = cfg.TLS.Config()
		if err := http2.ConfigureServer(s.http, &http2.Server{}); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "configure http2")
		}
	} else {
		s.http.Handler = h2c.NewHandler(router, &http2.Server{})
	}
	return s, nil
}

// Listen 绑定端口
func (s *Server) Listen() error {
	addr := s.cfg.Listen.Host
	if s.cfg.Listen.Port() == "" {
		addr = transport.HostPort(s.cfg.Listen)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "cannot listen on %s", addr)
	}
	if s.secure {
		ln = tls.NewListener(ln, s.http.TLSConfig)
	}
	s.listener = ln
	corelog.Infof("server: listening on %s://%s", s.cfg.Listen.Scheme, ln.Addr())
	return nil
}

// Addr 实际绑定地址，Listen 之后有效
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Tracker 活跃的逻辑隧道
func (s *Server) Tracker() *tunnel.Tracker {
	return s.tracker
}

// Serve 处理连接直到 Close
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return coreerrors.Wrap(err, coreerrors.CodeNetworkError, "serve")
}

// Close 停止接受新连接，等待活跃隧道最多 ShutdownGrace 后强制关闭
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	// 升级后的连接不受 Shutdown 管理，由 tracker 负责
	s.http.Shutdown(ctx)
	s.reverse.close()
	s.tracker.Shutdown(s.cfg.ShutdownGrace)
	return s.dispose.Close()
}

// Run 运行服务端直到 ctx 取消或出现致命错误
func Run(ctx context.Context, cfg Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	select {
	case <-ctx.Done():
		corelog.Infof("server: shutting down")
		s.Close()
		<-errCh
		return nil
	case err := <-errCh:
		s.Close()
		return err
	}
}
