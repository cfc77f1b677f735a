package adapter

import (
	"context"
	"net"

	"wstunnel-go/internal/tunnel"
)

// streamListener 固定目标的 TCP / Unix 监听
type streamListener struct {
	ln   net.Listener
	host string
	port uint16
}

func listenStream(network, addr string, spec tunnel.Spec) (Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, listenError(err, network, addr)
	}
	return &streamListener{ln: ln, host: spec.RemoteHost, port: spec.RemotePort}, nil
}

func (l *streamListener) Accept() (Handshake, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return func(context.Context) (*Accepted, error) {
		return &Accepted{
			Conn: conn,
			Kind: tunnel.KindTCP,
			Host: l.host,
			Port: l.port,
			Peer: conn.RemoteAddr().String(),
		}, nil
	}, nil
}

func (l *streamListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}
