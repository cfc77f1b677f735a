package tunnel

import (
	"net"
	"net/netip"
	"strconv"
)

// Spec 一条已解析的隧道路由，构造后不再修改
type Spec struct {
	Protocol Protocol

	// Local 本地监听地址；unix 与 stdio 路由为零值
	Local netip.AddrPort

	// RemoteHost/RemotePort 目标地址；动态路由为 0.0.0.0:0
	RemoteHost string
	RemotePort uint16
}

// Remote 返回 host:port 形式的目标地址
func (s Spec) Remote() string {
	return net.JoinHostPort(s.RemoteHost, strconv.Itoa(int(s.RemotePort)))
}

// String 路由字符串形式，与 Parse 互逆
func (s Spec) String() string {
	return Format(s)
}

// IsReverse 是否为反向隧道路由
func (s Spec) IsReverse() bool {
	return s.Protocol.Kind.IsReverse()
}

// Reverse 转换为对应的反向路由
//
// stdio、透明代理以及已经是反向的路由不能转换。
// http 代理转换后丢弃 proxy_protocol 标志。
func (s Spec) Reverse() (Spec, error) {
	p := s.Protocol
	var kind Kind
	switch p.Kind {
	case KindTCP:
		kind = KindReverseTCP
		p = Protocol{}
	case KindUDP:
		kind = KindReverseUDP
		p = Protocol{Timeout: p.Timeout}
	case KindSocks5:
		kind = KindReverseSocks5
		p = Protocol{Timeout: p.Timeout, Credentials: p.Credentials}
	case KindHTTPProxy:
		kind = KindReverseHTTPProxy
		p = Protocol{Timeout: p.Timeout, Credentials: p.Credentials}
	case KindUnix:
		kind = KindReverseUnix
		p = Protocol{Path: p.Path}
	default:
		return Spec{}, configErrorf("cannot use %s as reverse tunnel %s", p.Kind, Format(s))
	}
	p.Kind = kind
	s.Protocol = p
	return s, nil
}

// Forward 反向路由还原为正向路由，正向路由原样返回
func (s Spec) Forward() Spec {
	s.Protocol.Kind = s.Protocol.Kind.ForwardKind()
	return s
}
