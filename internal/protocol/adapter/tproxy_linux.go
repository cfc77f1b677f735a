//go:build linux

package adapter

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/core/safe"
	"wstunnel-go/internal/tunnel"
)

// TProxySupported 当前平台是否支持透明代理
const TProxySupported = true

// transparentControl 设置 SO_REUSEADDR 和 IP_TRANSPARENT；
// recvOrigDst 时还要求内核附带原始目标地址，只有接收套接字需要
func transparentControl(recvOrigDst bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			s := int(fd)
			v6 := network == "tcp6" || network == "udp6"
			if sockErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
			if recvOrigDst {
				if v6 {
					sockErr = unix.SetsockoptInt(s, unix.SOL_IPV6, unix.IPV6_RECVORIGDSTADDR, 1)
				} else {
					sockErr = unix.SetsockoptInt(s, unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1)
				}
				if sockErr != nil {
					return
				}
			}
			if v6 {
				sockErr = unix.SetsockoptInt(s, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				sockErr = unix.SetsockoptInt(s, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

func tproxyNetwork(base string, addr netip.AddrPort) string {
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		return base + "6"
	}
	return base + "4"
}

// tproxyTCPListener 目标地址就是被重定向连接的本地地址
type tproxyTCPListener struct {
	ln net.Listener
}

func listenTProxyTCP(ctx context.Context, spec tunnel.Spec) (Listener, error) {
	network := tproxyNetwork("tcp", spec.Local)
	lc := net.ListenConfig{Control: transparentControl(false)}
	ln, err := lc.Listen(ctx, network, spec.Local.String())
	if err != nil {
		return nil, listenError(err, network, spec.Local.String())
	}
	return &tproxyTCPListener{ln: ln}, nil
}

func (l *tproxyTCPListener) Accept() (Handshake, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return func(context.Context) (*Accepted, error) {
		dst, err := netip.ParseAddrPort(conn.LocalAddr().String())
		if err != nil {
			conn.Close()
			return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "read original destination")
		}
		return &Accepted{
			Conn: conn,
			Kind: tunnel.KindTCP,
			Host: dst.Addr().Unmap().String(),
			Port: dst.Port(),
			Peer: conn.RemoteAddr().String(),
		}, nil
	}, nil
}

func (l *tproxyTCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tproxyTCPListener) Close() error {
	return l.ln.Close()
}

// tproxyUDPListener 原始目标地址来自 IP_RECVORIGDSTADDR 控制消息，
// 回包通过绑定在原始目标地址上的透明套接字发出
type tproxyUDPListener struct {
	ctx     context.Context
	network string
	conn    *net.UDPConn
	mux     *sessionMux

	bindReply func(dst netip.AddrPort) (*net.UDPConn, error)
}

func listenTProxyUDP(ctx context.Context, spec tunnel.Spec) (Listener, error) {
	network := tproxyNetwork("udp", spec.Local)
	lc := net.ListenConfig{Control: transparentControl(true)}
	pc, err := lc.ListenPacket(ctx, network, spec.Local.String())
	if err != nil {
		return nil, listenError(err, network, spec.Local.String())
	}
	l := &tproxyUDPListener{ctx: ctx, network: network, conn: pc.(*net.UDPConn), mux: newSessionMux()}
	l.bindReply = l.listenReply
	safe.Go("tproxy udp receive "+spec.Local.String(), l.receive)
	return l, nil
}

func (l *tproxyUDPListener) receive() {
	buf := make([]byte, maxDatagramSize)
	oob := make([]byte, 1024)
	for {
		n, oobn, _, src, err := l.conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			l.mux.close()
			return
		}
		dst, ok := originalDestination(oob[:oobn])
		if !ok {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		key := src.String() + "->" + dst.String()
		l.mux.deliver(key, data, func() (*Accepted, error) {
			return l.openSession(src, dst)
		})
	}
}

// listenReply 在原始目标地址上绑定透明套接字，用它以目标地址的身份回包
func (l *tproxyUDPListener) listenReply(dst netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: transparentControl(false)}
	pc, err := lc.ListenPacket(l.ctx, l.network, dst.String())
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError, "cannot bind transparent reply socket on %s", dst)
	}
	return pc.(*net.UDPConn), nil
}

func (l *tproxyUDPListener) openSession(src, dst netip.AddrPort) (*Accepted, error) {
	reply, err := l.bindReply(dst)
	if err != nil {
		return nil, err
	}
	sess := newUDPSession(func(p []byte) (int, error) {
		return reply.WriteToUDPAddrPort(p, src)
	}, reply.Close)
	return &Accepted{
		Conn: sess,
		Kind: tunnel.KindUDP,
		Host: dst.Addr().Unmap().String(),
		Port: dst.Port(),
		Peer: src.String(),
	}, nil
}

// originalDestination 从控制消息中取出 sockaddr_in / sockaddr_in6
func originalDestination(oob []byte) (netip.AddrPort, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.AddrPort{}, false
	}
	for _, msg := range msgs {
		switch {
		case msg.Header.Level == unix.SOL_IP && msg.Header.Type == unix.IP_ORIGDSTADDR:
			if len(msg.Data) < unix.SizeofSockaddrInet4 {
				continue
			}
			sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&msg.Data[0]))
			port := binary.BigEndian.Uint16((*[2]byte)(unsafe.Pointer(&sa.Port))[:])
			return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), port), true
		case msg.Header.Level == unix.SOL_IPV6 && msg.Header.Type == unix.IPV6_ORIGDSTADDR:
			if len(msg.Data) < unix.SizeofSockaddrInet6 {
				continue
			}
			sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&msg.Data[0]))
			port := binary.BigEndian.Uint16((*[2]byte)(unsafe.Pointer(&sa.Port))[:])
			return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), port), true
		}
	}
	return netip.AddrPort{}, false
}

func (l *tproxyUDPListener) Accept() (Handshake, error) {
	return l.mux.accept()
}

func (l *tproxyUDPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *tproxyUDPListener) Close() error {
	err := l.conn.Close()
	l.mux.close()
	return err
}
