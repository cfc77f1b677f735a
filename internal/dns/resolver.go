// Package dns 目标地址解析：系统解析器、UDP DNS、DNS-over-HTTPS、DNS-over-TLS
//
// 按配置顺序依次尝试各后端，第一个成功的结果生效；结果按地址族排序并缓存。
package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Second
	resolvConfPath   = "/etc/resolv.conf"
)

// Options 解析器配置
type Options struct {
	// Resolvers 解析器 URL 列表，为空时使用系统解析器
	Resolvers []string

	// PreferIPv4 IPv4 地址排在前面
	PreferIPv4 bool

	// Dialer 连接上游 DNS 和目标时使用（可携带 SO_MARK）
	Dialer *net.Dialer

	// HTTPProxy DNS-over-HTTPS 经由的 HTTP 代理
	HTTPProxy *url.URL

	CacheTTL time.Duration
}

// Resolver 多后端解析器，可并发使用
type Resolver struct {
	backends   []Backend
	preferIPv4 bool
	dialer     *net.Dialer
	cache      *expirable.LRU[string, []netip.Addr]
	group      singleflight.Group
}

// NewResolver 根据配置创建解析器
func NewResolver(opts Options) (*Resolver, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	r := &Resolver{
		preferIPv4: opts.PreferIPv4,
		dialer:     dialer,
		cache:      expirable.NewLRU[string, []netip.Addr](defaultCacheSize, nil, ttl),
	}
	for _, raw := range opts.Resolvers {
		b, err := ParseBackend(raw, dialer, opts.HTTPProxy)
		if err != nil {
			return nil, err
		}
		r.backends = append(r.backends, b)
	}
	if len(r.backends) == 0 {
		r.backends = []Backend{&systemBackend{resolver: net.DefaultResolver}}
	}
	return r, nil
}

// NewResolverWithBackends 直接指定后端
func NewResolverWithBackends(preferIPv4 bool, backends ...Backend) *Resolver {
	return &Resolver{
		backends:   backends,
		preferIPv4: preferIPv4,
		dialer:     &net.Dialer{Timeout: 10 * time.Second},
		cache:      expirable.NewLRU[string, []netip.Addr](defaultCacheSize, nil, defaultCacheTTL),
	}
}

// Dialer 底层拨号器
func (r *Resolver) Dialer() *net.Dialer {
	return r.dialer
}

// LookupHost 解析主机名，IP 字面量直接返回
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}

	ch := r.group.DoChan(host, func() (interface{}, error) {
		return r.lookup(context.WithoutCancel(ctx), host)
	})
	select {
	case <-ctx.Done():
		return nil, coreerrors.Wrapf(ctx.Err(), coreerrors.CodeDNSError, "resolve %s", host)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	}
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	var errs []error
	for _, b := range r.backends {
		addrs, err := b.Lookup(ctx, host)
		if err != nil {
			corelog.Debugf("dns: %s failed to resolve %s: %v", b, host, err)
			errs = append(errs, err)
			continue
		}
		if len(addrs) == 0 {
			continue
		}
		addrs = r.sort(addrs)
		r.cache.Add(host, addrs)
		return addrs, nil
	}
	if len(errs) == 0 {
		return nil, coreerrors.Newf(coreerrors.CodeDNSError, "no address found for %s", host)
	}
	return nil, coreerrors.Wrapf(errors.Join(errs...), coreerrors.CodeDNSError, "cannot resolve %s", host)
}

// sort 按地址族稳定排序
func (r *Resolver) sort(addrs []netip.Addr) []netip.Addr {
	out := slices.Clone(addrs)
	slices.SortStableFunc(out, func(a, b netip.Addr) int {
		rank := func(x netip.Addr) int {
			if x.Is4() == r.preferIPv4 {
				return 0
			}
			return 1
		}
		return rank(a) - rank(b)
	})
	return out
}

// DialContext 解析后依次尝试各个地址，直到连接成功
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError, "invalid address %s", address)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.CodeNetworkError, "invalid port in %s", address)
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, netip.AddrPortFrom(a, uint16(port)).String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, coreerrors.Wrapf(lastErr, coreerrors.CodeNetworkError, "dial %s", address)
}

// LookupECH 查询主机 HTTPS 记录中的 ECH 配置，没有时返回 nil
func (r *Resolver) LookupECH(ctx context.Context, host string) ([]byte, error) {
	var ex exchanger
	for _, b := range r.backends {
		if e, ok := b.(exchanger); ok {
			ex = e
			break
		}
	}
	if ex == nil {
		// 系统解析器不支持 HTTPS 记录，直接查询 resolv.conf 中的服务器
		cfg, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil || len(cfg.Servers) == 0 {
			return nil, coreerrors.Wrap(err, coreerrors.CodeDNSError, "no dns server available for ECH lookup")
		}
		ex = newUDPBackend(net.JoinHostPort(cfg.Servers[0], cfg.Port), r.dialer)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	ech, err := lookupECH(ctx, ex, host)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeDNSError, "ECH lookup for %s", host)
	}
	return ech, nil
}
