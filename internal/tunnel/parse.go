package tunnel

import (
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	coreerrors "wstunnel-go/internal/core/errors"
)

const (
	optTimeout       = "timeout_sec"
	optLogin         = "login"
	optPassword      = "password"
	optProxyProtocol = "proxy_protocol"
)

var (
	defaultBind = netip.MustParseAddr("127.0.0.1")

	// dynamicRemote 目标地址由本地协议协商决定时的占位地址
	dynamicRemote = "0.0.0.0"
)

func configErrorf(format string, args ...interface{}) error {
	return coreerrors.Newf(coreerrors.CodeConfigError, format, args...)
}

// Parse 解析正向隧道路由
//
//	tcp://[bind:]port:host:port[?proxy_protocol]
//	udp://[bind:]port:host:port[?timeout_sec=N]
//	socks5|http://[bind:]port[?timeout_sec=N&login=L&password=P]
//	tproxy+tcp|tproxy+udp://[bind:]port[?timeout_sec=N]
//	unix://path:host:port
//	stdio://host:port
func Parse(arg string) (Spec, error) {
	scheme, info, ok := strings.Cut(arg, "://")
	if !ok {
		return Spec{}, configErrorf("cannot parse protocol from %s", arg)
	}

	var spec Spec
	switch scheme {
	case "tcp", "udp":
		local, remaining, err := parseLocalBind(info)
		if err != nil {
			return Spec{}, err
		}
		host, port, opts, err := parseDest(remaining)
		if err != nil {
			return Spec{}, err
		}
		spec = Spec{Local: local, RemoteHost: host, RemotePort: port}
		if scheme == "tcp" {
			spec.Protocol = Protocol{Kind: KindTCP, ProxyProtocol: opts.Has(optProxyProtocol)}
		} else {
			spec.Protocol = Protocol{Kind: KindUDP, Timeout: parseTimeout(opts)}
		}

	case "socks5", "http", "tproxy+tcp", "tproxy+udp":
		local, remaining, err := parseLocalBind(info)
		if err != nil {
			return Spec{}, err
		}
		opts, err := url.ParseQuery(remaining)
		if err != nil {
			return Spec{}, configErrorf("cannot parse options from %s: %v", arg, err)
		}
		spec = Spec{Local: local, RemoteHost: dynamicRemote}
		switch scheme {
		case "socks5":
			spec.Protocol = Protocol{Kind: KindSocks5, Timeout: parseTimeout(opts), Credentials: parseCredentials(opts)}
		case "http":
			spec.Protocol = Protocol{
				Kind:          KindHTTPProxy,
				Timeout:       parseTimeout(opts),
				Credentials:   parseCredentials(opts),
				ProxyProtocol: opts.Has(optProxyProtocol),
			}
		case "tproxy+tcp":
			spec.Protocol = Protocol{Kind: KindTProxyTCP}
		case "tproxy+udp":
			spec.Protocol = Protocol{Kind: KindTProxyUDP, Timeout: parseTimeout(opts)}
		}

	case "unix":
		path, remaining, ok := strings.Cut(info, ":")
		if !ok || path == "" {
			return Spec{}, configErrorf("cannot parse unix socket path from %s", arg)
		}
		host, port, opts, err := parseDest(remaining)
		if err != nil {
			return Spec{}, err
		}
		spec = Spec{
			Protocol:   Protocol{Kind: KindUnix, Path: path, ProxyProtocol: opts.Has(optProxyProtocol)},
			RemoteHost: host,
			RemotePort: port,
		}

	case "stdio":
		host, port, opts, err := parseDest(info)
		if err != nil {
			return Spec{}, err
		}
		spec = Spec{
			Protocol:   Protocol{Kind: KindStdio, ProxyProtocol: opts.Has(optProxyProtocol)},
			RemoteHost: host,
			RemotePort: port,
		}

	default:
		return Spec{}, configErrorf("invalid local protocol for tunnel %s", arg)
	}
	return spec, nil
}

// ParseReverse 解析反向隧道路由，语法与正向相同
func ParseReverse(arg string) (Spec, error) {
	spec, err := Parse(arg)
	if err != nil {
		return Spec{}, err
	}
	return spec.Reverse()
}

// parseLocalBind 解析可选的绑定地址和端口，返回剩余部分
// 绑定地址只接受 IPv4 字面量或 [IPv6]，其他情况默认 127.0.0.1
func parseLocalBind(arg string) (netip.AddrPort, string, error) {
	bind := defaultBind
	remaining := arg

	if strings.HasPrefix(arg, "[") {
		ipv6, rest, ok := strings.Cut(arg[1:], "]")
		if !ok {
			return netip.AddrPort{}, "", configErrorf("cannot parse IPv6 bind from %s", arg)
		}
		addr, err := netip.ParseAddr(ipv6)
		if err != nil || !addr.Is6() {
			return netip.AddrPort{}, "", configErrorf("cannot parse IPv6 bind from %s", ipv6)
		}
		bind, remaining = addr, rest
	} else if head, rest, _ := strings.Cut(arg, ":"); head != "" {
		if addr, err := netip.ParseAddr(head); err == nil && addr.Is4() {
			bind, remaining = addr, rest
		}
	}

	remaining = strings.TrimLeft(remaining, ":")
	portStr, rest := remaining, ""
	if i := strings.IndexAny(remaining, ":?"); i >= 0 {
		portStr, rest = remaining[:i], remaining[i+1:]
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, "", configErrorf("cannot parse bind port from %s", portStr)
	}
	return netip.AddrPortFrom(bind, uint16(port)), rest, nil
}

// parseDest 解析 host:port[?options]
func parseDest(remaining string) (string, uint16, url.Values, error) {
	u, err := url.Parse("https://" + remaining)
	if err != nil {
		return "", 0, nil, configErrorf("cannot parse remote from %s", remaining)
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, nil, configErrorf("cannot parse remote host from %s", remaining)
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return "", 0, nil, configErrorf("cannot parse remote port from %s", remaining)
	}
	return host, uint16(port), u.Query(), nil
}

func parseTimeout(opts url.Values) time.Duration {
	secs, err := strconv.ParseUint(opts.Get(optTimeout), 10, 64)
	if err != nil {
		return DefaultTimeout
	}
	return time.Duration(secs) * time.Second
}

func parseCredentials(opts url.Values) *Credentials {
	if !opts.Has(optLogin) || !opts.Has(optPassword) {
		return nil
	}
	return &Credentials{Login: opts.Get(optLogin), Password: opts.Get(optPassword)}
}

// Format 将路由格式化为 Parse 可接受的字符串
// 反向路由使用正向 scheme，需用 ParseReverse 解析回来
func Format(s Spec) string {
	var b strings.Builder
	kind := s.Protocol.Kind
	b.WriteString(kind.Scheme())
	b.WriteString("://")

	switch kind.ForwardKind() {
	case KindUnix:
		b.WriteString(s.Protocol.Path)
		b.WriteByte(':')
	case KindStdio:
	default:
		b.WriteString(s.Local.String())
	}

	if !kind.IsDynamic() {
		if kind.ForwardKind() != KindStdio {
			b.WriteByte(':')
		}
		b.WriteString(s.Remote())
	}

	if q := formatOptions(s.Protocol); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

func formatOptions(p Protocol) string {
	var opts []string
	if p.Kind.HasTimeout() && p.Timeout != DefaultTimeout {
		opts = append(opts, optTimeout+"="+strconv.FormatInt(int64(p.Timeout/time.Second), 10))
	}
	if p.Kind.HasCredentials() && p.Credentials != nil {
		opts = append(opts,
			optLogin+"="+url.QueryEscape(p.Credentials.Login),
			optPassword+"="+url.QueryEscape(p.Credentials.Password))
	}
	if p.Kind.HasProxyProtocol() && p.ProxyProtocol {
		opts = append(opts, optProxyProtocol)
	}
	sort.Strings(opts)
	return strings.Join(opts, "&")
}

// SplitHostPort 解析 host:port，端口必须为 0-65535
func SplitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, configErrorf("invalid address %s: %v", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, configErrorf("invalid port in %s", hostport)
	}
	return host, uint16(port), nil
}
