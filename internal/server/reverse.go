package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/core/safe"
	"wstunnel-go/internal/protocol/adapter"
	"wstunnel-go/internal/protocol/wire"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
)

// serveReverse 建立反向控制连接，绑定客户端登记的路由，直到控制连接断开
func (s *Server) serveReverse(w http.ResponseWriter, r *http.Request, req wire.Request, routes []tunnel.Spec) {
	stream, err := s.accept(w, r)
	if err != nil {
		corelog.Warnf("server: cannot accept reverse control from %s: %v", r.RemoteAddr, err)
		return
	}
	session, err := yamux.Server(stream, transport.MuxConfig(s.cfg.PingFrequency))
	if err != nil {
		stream.Close()
		corelog.Errorf("server: reverse control from %s: %v", r.RemoteAddr, err)
		return
	}

	// 任一路由绑定失败都断开控制连接，客户端按退避重连后整体重试
	var attached []tunnel.Spec
	for _, spec := range routes {
		if err := s.reverse.attach(spec, session); err != nil {
			corelog.Errorf("server: cannot bind reverse tunnel %s for %s: %v", spec, r.RemoteAddr, err)
			for _, done := range attached {
				s.reverse.detach(done, session)
			}
			session.Close()
			stream.Close()
			return
		}
		attached = append(attached, spec)
	}
	corelog.Infof("server: reverse client %s connected, id=%s routes=%d", r.RemoteAddr, req.ID, len(attached))

	<-session.CloseChan()
	for _, spec := range attached {
		s.reverse.detach(spec, session)
	}
	stream.Close()
	corelog.Infof("server: reverse client %s disconnected, id=%s", r.RemoteAddr, req.ID)
}

// reverseClient 一个控制连接以及它登记的路由
type reverseClient struct {
	session *yamux.Session
	spec    tunnel.Spec
}

// reverseListener 服务端为一个绑定地址开启的监听，可被多个客户端共享
type reverseListener struct {
	key     string
	ln      adapter.Listener
	cancel  context.CancelFunc
	clients []reverseClient
	next    int
	unbind  *time.Timer
}

// reverseManager 反向监听注册表
//
// 最后一个客户端断开后监听保留 idleTimeout，期间重新连接的客户端沿用该监听；
// 没有客户端时到达的连接立即拒绝。
type reverseManager struct {
	ctx         context.Context
	tracker     *tunnel.Tracker
	idleTimeout time.Duration

	mu        sync.Mutex
	listeners map[string]*reverseListener
	closed    bool
}

func newReverseManager(ctx context.Context, tracker *tunnel.Tracker, idle time.Duration) *reverseManager {
	return &reverseManager{
		ctx:         ctx,
		tracker:     tracker,
		idleTimeout: idle,
		listeners:   make(map[string]*reverseListener),
	}
}

// bindKey 同一协议和绑定地址只监听一次
func bindKey(spec tunnel.Spec) string {
	if spec.Protocol.Kind == tunnel.KindReverseUnix {
		return "unix " + spec.Protocol.Path
	}
	return spec.Protocol.Kind.String() + " " + spec.Local.String()
}

func (m *reverseManager) attach(spec tunnel.Spec, session *yamux.Session) error {
	key := bindKey(spec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return coreerrors.New(coreerrors.CodeCancelled, "server is shutting down")
	}

	rl := m.listeners[key]
	if rl == nil {
		ln, err := adapter.Listen(m.ctx, spec)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(m.ctx)
		rl = &reverseListener{key: key, ln: ln, cancel: cancel}
		m.listeners[key] = rl
		safe.Go("reverse listener "+key, func() {
			adapter.Serve(ctx, ln, func(ctx context.Context, acc *adapter.Accepted) {
				m.forward(rl, acc)
			})
		})
	}
	if rl.unbind != nil {
		rl.unbind.Stop()
		rl.unbind = nil
	}
	rl.clients = append(rl.clients, reverseClient{session: session, spec: spec})
	return nil
}

func (m *reverseManager) detach(spec tunnel.Spec, session *yamux.Session) {
	key := bindKey(spec)

	m.mu.Lock()
	defer m.mu.Unlock()
	rl := m.listeners[key]
	if rl == nil {
		return
	}
	for i, c := range rl.clients {
		if c.session == session {
			rl.clients = append(rl.clients[:i], rl.clients[i+1:]...)
			break
		}
	}
	if len(rl.clients) == 0 && !m.closed {
		rl.unbind = time.AfterFunc(m.idleTimeout, func() { m.unbindIfIdle(rl) })
	}
}

// unbindIfIdle 在锁内关闭监听，重新登记的客户端不会撞上尚未释放的地址
func (m *reverseManager) unbindIfIdle(rl *reverseListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rl.clients) > 0 || m.listeners[rl.key] != rl {
		return
	}
	delete(m.listeners, rl.key)

	corelog.Infof("server: no reverse client for %v, unbinding %s", m.idleTimeout, rl.key)
	rl.cancel()
	closeQuietly(rl.ln)
}

// bound 当前仍在监听的绑定地址
func (m *reverseManager) bound() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.listeners))
	for k := range m.listeners {
		keys = append(keys, k)
	}
	return keys
}

// pick 轮询选择一个仍然存活的客户端
func (m *reverseManager) pick(rl *reverseListener) (reverseClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range rl.clients {
		rl.next = (rl.next + 1) % len(rl.clients)
		c := rl.clients[rl.next]
		if !c.session.IsClosed() {
			return c, true
		}
	}
	return reverseClient{}, false
}

// forward 把服务端接入通过控制连接交给客户端
func (m *reverseManager) forward(rl *reverseListener, acc *adapter.Accepted) {
	client, ok := m.pick(rl)
	if !ok {
		corelog.Debugf("server: rejecting %s on %s, no reverse client connected", acc.Peer, rl.key)
		acc.Ready(coreerrors.Newf(coreerrors.CodeTransportError, "no reverse client for %s", rl.key))
		return
	}

	spec := client.spec
	req := wire.Request{
		Kind:          wire.KindTCP,
		Host:          acc.Host,
		Port:          acc.Port,
		ProxyProtocol: spec.Protocol.ProxyProtocol,
	}
	if !spec.Protocol.Kind.IsDynamic() {
		req.Host, req.Port = spec.RemoteHost, spec.RemotePort
	}
	session := tunnel.Session{Kind: acc.Kind, Peer: acc.Peer}
	if acc.Kind == tunnel.KindUDP {
		req.Kind = wire.KindUDP
		req.Timeout = spec.Protocol.Timeout
		session.IdleTimeout = spec.Protocol.Timeout
	}
	if spec.Protocol.Kind.HasTimeout() {
		session.IdleTimeout = spec.Protocol.Timeout
	}
	session.Destination = req.Destination()

	stream, err := client.session.OpenStream()
	if err != nil {
		acc.Ready(coreerrors.Wrap(err, coreerrors.CodeTransportError, "open reverse stream"))
		return
	}
	stream.SetDeadline(time.Now().Add(transport.DefaultHandshakeTimeout))
	if err := wire.WriteOpen(stream, req); err != nil {
		stream.Close()
		acc.Ready(err)
		return
	}
	if err := wire.ReadStatus(stream); err != nil {
		stream.Close()
		corelog.Warnf("server: reverse client could not reach %s: %v", session.Destination, err)
		acc.Ready(err)
		return
	}
	stream.SetDeadline(time.Time{})

	if err := acc.Ready(nil); err != nil {
		stream.Close()
		return
	}
	m.tracker.Splice(session, acc.Conn, stream)
}

func (m *reverseManager) close() {
	m.mu.Lock()
	m.closed = true
	listeners := m.listeners
	m.listeners = make(map[string]*reverseListener)
	var sessions []*yamux.Session
	for _, rl := range listeners {
		if rl.unbind != nil {
			rl.unbind.Stop()
		}
		for _, c := range rl.clients {
			sessions = append(sessions, c.session)
		}
	}
	m.mu.Unlock()

	for _, rl := range listeners {
		rl.cancel()
		closeQuietly(rl.ln)
	}
	for _, s := range sessions {
		closeQuietly(s)
	}
}
