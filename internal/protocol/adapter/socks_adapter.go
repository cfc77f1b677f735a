package adapter

import (
	"context"
	"net"

	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/tunnel"
)

const (
	// SOCKS5 版本
	socks5Version = 0x05

	// SOCKS5 认证方法
	socksAuthNone     = 0x00 // 无需认证
	socksAuthPassword = 0x02 // 用户名/密码认证
	socksAuthNoMatch  = 0xFF // 没有可接受的方法

	// 用户名/密码子协商版本（RFC 1929）
	socksAuthVersion = 0x01

	// SOCKS5 命令
	socksCmdConnect      = 0x01 // CONNECT
	socksCmdBind         = 0x02 // BIND
	socksCmdUDPAssociate = 0x03 // UDP ASSOCIATE

	// SOCKS5 地址类型
	socksAddrTypeIPv4   = 0x01 // IPv4 地址
	socksAddrTypeDomain = 0x03 // 域名
	socksAddrTypeIPv6   = 0x04 // IPv6 地址

	// SOCKS5 响应代码
	socksRepSuccess              = 0x00 // 成功
	socksRepServerFailure        = 0x01 // 服务器故障
	socksRepNotAllowed           = 0x02 // 规则不允许
	socksRepNetworkUnreachable   = 0x03 // 网络不可达
	socksRepHostUnreachable      = 0x04 // 主机不可达
	socksRepConnectionRefused    = 0x05 // 连接被拒绝
	socksRepTTLExpired           = 0x06 // TTL 过期
	socksRepCommandNotSupported  = 0x07 // 不支持的命令
	socksRepAddrTypeNotSupported = 0x08 // 不支持的地址类型
)

// socksListener SOCKS5 代理，只支持 CONNECT
type socksListener struct {
	ln          net.Listener
	credentials *tunnel.Credentials
}

func listenSocks(spec tunnel.Spec) (Listener, error) {
	addr := spec.Local.String()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, listenError(err, "tcp", addr)
	}
	return &socksListener{ln: ln, credentials: spec.Protocol.Credentials}, nil
}

func (l *socksListener) Accept() (Handshake, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*Accepted, error) {
		acc, err := l.negotiate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return acc, nil
	}, nil
}

func (l *socksListener) negotiate(ctx context.Context, conn net.Conn) (*Accepted, error) {
	reset := withDeadline(ctx, conn)
	defer reset()

	if err := l.handleHandshake(conn); err != nil {
		return nil, err
	}
	host, port, err := handleRequest(conn)
	if err != nil {
		return nil, err
	}

	return &Accepted{
		Conn: conn,
		Kind: tunnel.KindTCP,
		Host: host,
		Port: port,
		Peer: conn.RemoteAddr().String(),
		reply: func(err error) error {
			if err != nil {
				return sendReply(conn, socksReplyCode(err), nil)
			}
			return sendReply(conn, socksRepSuccess, conn.LocalAddr())
		},
	}, nil
}

// socksReplyCode 隧道打开失败时回给客户端的应答码
func socksReplyCode(err error) byte {
	switch coreerrors.GetCode(err) {
	case coreerrors.CodeRestrictionDenied:
		return socksRepNotAllowed
	case coreerrors.CodeDNSError:
		return socksRepHostUnreachable
	case coreerrors.CodeNetworkError:
		return socksRepNetworkUnreachable
	case coreerrors.CodeTimeout:
		return socksRepTTLExpired
	}
	return socksRepServerFailure
}

func (l *socksListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *socksListener) Close() error {
	return l.ln.Close()
}
