package adapter

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"

	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/core/safe"
	"wstunnel-go/internal/tunnel"
)

const (
	// maxDatagramSize 单个 UDP 数据报上限
	maxDatagramSize = 64 * 1024

	// sessionQueueSize 每个会话待读数据报队列，满了丢弃
	sessionQueueSize = 64
)

// sessionMux 按来源地址把数据报分派到会话
//
// UDP 与透明代理 UDP 共用：receive 循环由各自的监听器驱动。
type sessionMux struct {
	mu       sync.Mutex
	sessions map[string]*udpSession
	pending  chan *Accepted
	closed   chan struct{}
	once     sync.Once
}

func newSessionMux() *sessionMux {
	return &sessionMux{
		sessions: make(map[string]*udpSession),
		pending:  make(chan *Accepted),
		closed:   make(chan struct{}),
	}
}

// deliver 把数据报交给 key 对应的会话，不存在时用 open 创建并等待 Accept；
// open 失败时丢弃该数据报，下一个数据报会重新尝试
func (m *sessionMux) deliver(key string, data []byte, open func() (*Accepted, error)) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()

	if !ok {
		acc, err := open()
		if err != nil {
			corelog.Warnf("udp: dropping datagram from %s: %v", key, err)
			return
		}
		s = acc.Conn.(*udpSession)
		s.mux, s.key = m, key
		m.mu.Lock()
		m.sessions[key] = s
		m.mu.Unlock()

		select {
		case m.pending <- acc:
		case <-m.closed:
			return
		}
	}
	s.push(data)
}

func (m *sessionMux) accept() (Handshake, error) {
	select {
	case acc := <-m.pending:
		return func(context.Context) (*Accepted, error) { return acc, nil }, nil
	case <-m.closed:
		return nil, net.ErrClosed
	}
}

func (m *sessionMux) remove(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

func (m *sessionMux) close() {
	m.once.Do(func() {
		close(m.closed)
		m.mu.Lock()
		sessions := make([]*udpSession, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}
	})
}

// udpSession 一个来源地址上的 UDP 会话，Read/Write 保持数据报边界
type udpSession struct {
	mux    *sessionMux
	key    string
	in     chan []byte
	write  func(p []byte) (int, error)
	closer func() error
	closed chan struct{}
	once   sync.Once
}

func newUDPSession(write func(p []byte) (int, error), closer func() error) *udpSession {
	return &udpSession{
		in:     make(chan []byte, sessionQueueSize),
		write:  write,
		closer: closer,
		closed: make(chan struct{}),
	}
}

func (s *udpSession) push(data []byte) {
	select {
	case s.in <- data:
	case <-s.closed:
	default:
		corelog.Debugf("udp session %s: queue full, dropping datagram", s.key)
	}
}

// Read 读取一个数据报，p 不够大时截断
func (s *udpSession) Read(p []byte) (int, error) {
	select {
	case data := <-s.in:
		return copy(p, data), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *udpSession) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}
	return s.write(p)
}

func (s *udpSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.mux != nil {
			s.mux.remove(s.key)
		}
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

// udpListener 固定目标的 UDP 监听
type udpListener struct {
	conn *net.UDPConn
	mux  *sessionMux
	spec tunnel.Spec
}

func listenUDP(spec tunnel.Spec) (Listener, error) {
	addr := net.UDPAddrFromAddrPort(spec.Local)
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, listenError(err, "udp", spec.Local.String())
	}
	l := &udpListener{conn: conn, mux: newSessionMux(), spec: spec}
	safe.Go("udp receive "+spec.Local.String(), l.receive)
	return l, nil
}

func (l *udpListener) receive() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, raw, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			l.mux.close()
			return
		}
		data := append([]byte(nil), buf[:n]...)
		peer := netip.AddrPortFrom(raw.Addr().Unmap(), raw.Port())
		l.mux.deliver(peer.String(), data, func() (*Accepted, error) {
			sess := newUDPSession(func(p []byte) (int, error) {
				return l.conn.WriteToUDPAddrPort(p, raw)
			}, nil)
			return &Accepted{
				Conn: sess,
				Kind: tunnel.KindUDP,
				Host: l.spec.RemoteHost,
				Port: l.spec.RemotePort,
				Peer: peer.String(),
			}, nil
		})
	}
}

func (l *udpListener) Accept() (Handshake, error) {
	return l.mux.accept()
}

func (l *udpListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *udpListener) Close() error {
	err := l.conn.Close()
	l.mux.close()
	return err
}
