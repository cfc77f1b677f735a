package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/protocol/wire"
	"wstunnel-go/internal/server/restrict"
	"wstunnel-go/internal/tlsconfig"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
)

// handleTunnel GET 升级为 WebSocket，HTTP/2 POST 直接使用请求/响应体
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	prefix, token := vars["prefix"], vars["token"]

	req, err := wire.Decode(token)
	if err != nil {
		s.reject(w, r, err)
		return
	}

	var routes []tunnel.Spec
	if req.Kind == wire.KindReverse {
		if routes, err = parseRoutes(req.Routes); err != nil {
			s.reject(w, r, err)
			return
		}
	}
	if err := s.authorize(r, prefix, req, routes); err != nil {
		s.reject(w, r, err)
		return
	}

	if req.Kind == wire.KindReverse {
		s.serveReverse(w, r, req, routes)
		return
	}
	s.serveForward(w, r, req)
}

// reject 升级前以 HTTP 状态码拒绝
func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch coreerrors.GetCode(err) {
	case coreerrors.CodeProtocolError:
		status = http.StatusBadRequest
	case coreerrors.CodeRestrictionDenied:
		status = http.StatusForbidden
	}
	corelog.Warnf("server: rejecting %s from %s with %d: %v", r.URL.Path, r.RemoteAddr, status, err)
	http.Error(w, err.Error(), status)
}

func parseRoutes(raw []string) ([]tunnel.Spec, error) {
	if len(raw) == 0 {
		return nil, coreerrors.New(coreerrors.CodeProtocolError, "reverse request without routes")
	}
	routes := make([]tunnel.Spec, 0, len(raw))
	for _, route := range raw {
		spec, err := tunnel.ParseReverse(route)
		if err != nil {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeProtocolError, "invalid reverse route %q", route)
		}
		routes = append(routes, spec)
	}
	return routes, nil
}

// authorize 校验访问规则；启用 mTLS 且没有规则时，路径前缀必须等于客户端证书 CN
func (s *Server) authorize(r *http.Request, prefix string, req wire.Request, routes []tunnel.Spec) error {
	var rules *restrict.Config
	if s.cfg.Restrictions != nil {
		rules = s.cfg.Restrictions.Load()
	}

	if rules == nil && s.cfg.TLS != nil && s.cfg.TLS.MutualTLS() {
		cn := tlsconfig.PeerCommonName(r.TLS)
		if cn != prefix {
			return coreerrors.Newf(coreerrors.CodeRestrictionDenied,
				"path prefix %q does not match client certificate %q", prefix, cn)
		}
	}

	auth := r.Header.Get("Authorization")
	if req.Kind != wire.KindReverse {
		return rules.Check(restrict.Request{
			PathPrefix:    prefix,
			Authorization: auth,
			Protocol:      string(req.Kind),
			Host:          req.Host,
			Port:          req.Port,
		})
	}
	for _, spec := range routes {
		check := restrict.Request{
			PathPrefix:    prefix,
			Authorization: auth,
			Reverse:       true,
			Protocol:      spec.Protocol.Kind.Scheme(),
			Host:          spec.Local.Addr().String(),
			Port:          spec.Local.Port(),
		}
		if spec.Protocol.Kind == tunnel.KindReverseUnix {
			check.Host, check.Port = spec.Protocol.Path, 0
		}
		if err := rules.Check(check); err != nil {
			return err
		}
	}
	return nil
}

// serveForward 先拨号目标，成功后才升级，失败返回 502
func (s *Server) serveForward(w http.ResponseWriter, r *http.Request, req wire.Request) {
	kind, network := tunnel.KindTCP, "tcp"
	if req.Kind == wire.KindUDP {
		kind, network = tunnel.KindUDP, "udp"
	}
	logger := corelog.WithFields(map[string]interface{}{
		"id":   req.ID,
		"peer": r.RemoteAddr,
		"dst":  req.Destination(),
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DialTimeout)
	dst, err := s.cfg.Resolver.DialContext(ctx, network, req.Destination())
	cancel()
	if err != nil {
		s.reject(w, r, err)
		return
	}

	stream, err := s.accept(w, r)
	if err != nil {
		dst.Close()
		logger.Warnf("server: cannot accept tunnel: %v", err)
		return
	}

	if kind == tunnel.KindTCP && req.ProxyProtocol {
		if err := writeProxyHeader(dst, r.RemoteAddr); err != nil {
			logger.Warnf("server: %v", err)
			dst.Close()
			stream.Close()
			return
		}
	}

	session := tunnel.Session{
		Kind:        kind,
		Destination: req.Destination(),
		Peer:        r.RemoteAddr,
	}
	if kind == tunnel.KindUDP {
		session.IdleTimeout = req.Timeout
	}
	logger.Debugf("server: %s tunnel opened", kind)
	s.tracker.Splice(session, dst, stream)
}

// accept 把请求转为双向字节流
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	if r.Method == http.MethodPost {
		if r.ProtoMajor != 2 {
			http.Error(w, "http/2 required", http.StatusHTTPVersionNotSupported)
			return nil, coreerrors.New(coreerrors.CodeProtocolError, "tunnel POST without http/2")
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if err := http.NewResponseController(w).Flush(); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeTransportError, "flush http2 response")
		}
		// 响应体随 handler 返回结束，不支持单独关闭写方向
		return transport.NewStreamConn(transport.StreamConnOptions{
			Reader:     r.Body,
			Writer:     w,
			RemoteAddr: peerAddr(r.RemoteAddr),
		}), nil
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeTransportError, "websocket upgrade failed")
	}
	// 握手之后按帧自行收发，客户端帧可以不加掩码
	return transport.NewWSConn(ws.NetConn(), transport.WSConnOptions{Ping: s.cfg.PingFrequency}), nil
}

func peerAddr(addr string) net.Addr {
	if tcp, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		return tcp
	}
	return nil
}

// closeQuietly 忽略已经关闭的连接
func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		corelog.Debugf("server: close: %v", err)
	}
}
