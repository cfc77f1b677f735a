// Package tunnel 定义隧道路由模型（TunnelSpec）、路由字符串语法以及逻辑隧道的跟踪
package tunnel

import (
	"fmt"
	"time"
)

// DefaultTimeout 未指定 timeout_sec 时 UDP/socks5/http 会话的空闲超时
const DefaultTimeout = 30 * time.Second

// Kind 本地协议类型，正向与反向成对出现
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindSocks5
	KindHTTPProxy
	KindStdio
	KindUnix
	KindTProxyTCP
	KindTProxyUDP
	KindReverseTCP
	KindReverseUDP
	KindReverseSocks5
	KindReverseHTTPProxy
	KindReverseUnix
)

var kindNames = map[Kind]string{
	KindTCP:              "tcp",
	KindUDP:              "udp",
	KindSocks5:           "socks5",
	KindHTTPProxy:        "http",
	KindStdio:            "stdio",
	KindUnix:             "unix",
	KindTProxyTCP:        "tproxy+tcp",
	KindTProxyUDP:        "tproxy+udp",
	KindReverseTCP:       "reverse+tcp",
	KindReverseUDP:       "reverse+udp",
	KindReverseSocks5:    "reverse+socks5",
	KindReverseHTTPProxy: "reverse+http",
	KindReverseUnix:      "reverse+unix",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Scheme 路由字符串中使用的 scheme，反向类型返回对应正向类型的 scheme
func (k Kind) Scheme() string {
	return k.ForwardKind().String()
}

// IsReverse 是否为反向隧道
func (k Kind) IsReverse() bool {
	return k >= KindReverseTCP
}

// ForwardKind 反向类型对应的正向类型，正向类型原样返回
func (k Kind) ForwardKind() Kind {
	switch k {
	case KindReverseTCP:
		return KindTCP
	case KindReverseUDP:
		return KindUDP
	case KindReverseSocks5:
		return KindSocks5
	case KindReverseHTTPProxy:
		return KindHTTPProxy
	case KindReverseUnix:
		return KindUnix
	}
	return k
}

// IsDatagram 本地侧是否为数据报（UDP 会话语义）
func (k Kind) IsDatagram() bool {
	switch k {
	case KindUDP, KindTProxyUDP, KindReverseUDP:
		return true
	}
	return false
}

// IsDynamic 目标地址是否由本地协议协商决定（socks5/http/tproxy）
func (k Kind) IsDynamic() bool {
	switch k {
	case KindSocks5, KindHTTPProxy, KindTProxyTCP, KindTProxyUDP,
		KindReverseSocks5, KindReverseHTTPProxy:
		return true
	}
	return false
}

// HasTimeout 该类型是否携带空闲超时选项
func (k Kind) HasTimeout() bool {
	switch k {
	case KindUDP, KindSocks5, KindHTTPProxy, KindTProxyUDP,
		KindReverseUDP, KindReverseSocks5, KindReverseHTTPProxy:
		return true
	}
	return false
}

// HasCredentials 该类型是否支持 login/password
func (k Kind) HasCredentials() bool {
	switch k {
	case KindSocks5, KindHTTPProxy, KindReverseSocks5, KindReverseHTTPProxy:
		return true
	}
	return false
}

// HasProxyProtocol 该类型是否支持 proxy_protocol 标志
func (k Kind) HasProxyProtocol() bool {
	switch k {
	case KindTCP, KindHTTPProxy, KindStdio, KindUnix:
		return true
	}
	return false
}

// Credentials 代理认证的用户名和密码
type Credentials struct {
	Login    string
	Password string
}

// Match 用户名和密码是否一致
func (c *Credentials) Match(login, password string) bool {
	return c != nil && c.Login == login && c.Password == password
}

// Protocol 本地协议及其选项，只有与 Kind 相关的字段有意义
type Protocol struct {
	Kind Kind

	// Timeout 会话空闲超时，0 表示禁用
	Timeout time.Duration

	Credentials *Credentials

	// ProxyProtocol 服务端向目标写入 PROXY protocol v2 头
	ProxyProtocol bool

	// Path Unix socket 路径
	Path string
}
