package restrict

import (
	"net/netip"
	"slices"
	"strings"

	coreerrors "wstunnel-go/internal/core/errors"
)

// Request 待检查的隧道请求
type Request struct {
	PathPrefix    string
	Authorization string

	// Reverse 反向隧道请求（服务端绑定端口）
	Reverse bool

	// Protocol tcp、udp；反向时为路由协议（tcp、udp、socks5、http、unix）
	Protocol string
	Host     string
	Port     uint16
}

// Check 放行返回 nil，否则返回 RestrictionDenied；nil 配置放行一切
func (c *Config) Check(req Request) error {
	if c == nil {
		return nil
	}
	r := c.match(req)
	if r == nil {
		return coreerrors.Newf(coreerrors.CodeRestrictionDenied, "no restriction matches path prefix %q", req.PathPrefix)
	}
	for _, a := range r.Allow {
		rule := a.Tunnel
		if req.Reverse {
			rule = a.ReverseTunnel
		}
		if rule != nil && rule.allows(req) {
			return nil
		}
	}
	kind := "tunnel"
	if req.Reverse {
		kind = "reverse tunnel"
	}
	return coreerrors.Newf(coreerrors.CodeRestrictionDenied, "%s %s to %s:%d denied by restriction %q",
		req.Protocol, kind, req.Host, req.Port, r.Name)
}

func (c *Config) match(req Request) *Restriction {
	for i := range c.Restrictions {
		r := &c.Restrictions[i]
		all := true
		for _, m := range r.Match {
			if !m.matches(req) {
				all = false
				break
			}
		}
		if all {
			return r
		}
	}
	return nil
}

func (m Matcher) matches(req Request) bool {
	if m.PathPrefix != nil && !m.PathPrefix.MatchString(req.PathPrefix) {
		return false
	}
	if m.Authorization != nil && !m.Authorization.MatchString(req.Authorization) {
		return false
	}
	return m.Any || m.PathPrefix != nil || m.Authorization != nil
}

func (t *TunnelRule) allows(req Request) bool {
	if len(t.Protocol) > 0 && !slices.ContainsFunc(t.Protocol, func(p string) bool {
		return strings.EqualFold(p, req.Protocol)
	}) {
		return false
	}
	if len(t.Port) > 0 && !slices.ContainsFunc(t.Port, func(p PortRange) bool {
		return p.Contains(req.Port)
	}) {
		return false
	}
	if t.Host != nil && !t.Host.MatchString(req.Host) {
		return false
	}
	if len(t.CIDR) > 0 {
		addr, err := netip.ParseAddr(strings.Trim(req.Host, "[]"))
		if err != nil {
			// 域名目标只看 host 规则
			return t.Host != nil
		}
		addr = addr.Unmap()
		if !slices.ContainsFunc(t.CIDR, func(p netip.Prefix) bool { return p.Contains(addr) }) {
			return false
		}
	}
	return true
}
