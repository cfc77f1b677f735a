package dns

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	coreerrors "wstunnel-go/internal/core/errors"
)

const (
	queryTimeout = 5 * time.Second
	dohMediaType = "application/dns-message"
)

// Backend 一种解析方式
type Backend interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
	String() string
}

// exchanger 能发送原始 DNS 报文的后端（用于 HTTPS 记录查询）
type exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
}

// systemBackend 使用操作系统解析器
type systemBackend struct {
	resolver *net.Resolver
}

func (b *systemBackend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := b.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

func (b *systemBackend) String() string { return "system" }

// serverBackend 直接查询 DNS 服务器（UDP，截断时改用 TCP；或 DNS-over-TLS）
type serverBackend struct {
	addr      string
	client    *dns.Client
	tcpClient *dns.Client
}

func newUDPBackend(addr string, dialer *net.Dialer) *serverBackend {
	return &serverBackend{
		addr:      addr,
		client:    &dns.Client{Net: "udp", Timeout: queryTimeout, Dialer: dialer},
		tcpClient: &dns.Client{Net: "tcp", Timeout: queryTimeout, Dialer: dialer},
	}
}

func newTLSBackend(addr, serverName string, dialer *net.Dialer) *serverBackend {
	return &serverBackend{
		addr: addr,
		client: &dns.Client{
			Net:       "tcp-tls",
			Timeout:   queryTimeout,
			Dialer:    dialer,
			TLSConfig: &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12},
		},
	}
}

func (b *serverBackend) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := b.client.ExchangeContext(ctx, m, b.addr)
	if err != nil {
		return nil, err
	}
	if resp.Truncated && b.tcpClient != nil {
		resp, _, err = b.tcpClient.ExchangeContext(ctx, m, b.addr)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (b *serverBackend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return lookupBoth(ctx, b, host)
}

func (b *serverBackend) String() string {
	if b.client.Net == "tcp-tls" {
		return "dns+tls://" + b.addr
	}
	return "dns://" + b.addr
}

// dohBackend DNS-over-HTTPS（RFC 8484 POST）
type dohBackend struct {
	endpoint string
	client   *http.Client
}

func newDoHBackend(endpoint string, client *http.Client) *dohBackend {
	return &dohBackend{endpoint: endpoint, client: client}
}

func (b *dohBackend) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 建议 ID 为 0 以便缓存
	q := m.Copy()
	q.Id = 0
	packed, err := q.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohMediaType)
	req.Header.Set("Accept", dohMediaType)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh server returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, err
	}
	out.Id = m.Id
	return out, nil
}

func (b *dohBackend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return lookupBoth(ctx, b, host)
}

func (b *dohBackend) String() string { return "dns+" + b.endpoint }

// lookupBoth 并行查询 A 和 AAAA，结果 IPv6 在前
func lookupBoth(ctx context.Context, ex exchanger, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var v4, v6 []netip.Addr
	var g errgroup.Group
	g.Go(func() (err error) {
		v4, err = query(ctx, ex, host, dns.TypeA)
		return err
	})
	g.Go(func() (err error) {
		v6, err = query(ctx, ex, host, dns.TypeAAAA)
		return err
	})
	if err := g.Wait(); err != nil {
		// 一个地址族失败而另一个成功时仍然可用
		if len(v4)+len(v6) == 0 {
			return nil, err
		}
	}
	addrs := append(v6, v4...)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no address found for %s", host)
	}
	return addrs, nil
}

func query(ctx context.Context, ex exchanger, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	resp, err := ex.Exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s lookup of %s failed: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	return addrs, nil
}

// lookupECH 查询 HTTPS 记录中的 ECH 配置
func lookupECH(ctx context.Context, ex exchanger, host string) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeHTTPS)
	resp, err := ex.Exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	for _, rr := range resp.Answer {
		https, ok := rr.(*dns.HTTPS)
		if !ok {
			continue
		}
		for _, kv := range https.Value {
			if ech, ok := kv.(*dns.SVCBECHConfig); ok && len(ech.ECH) > 0 {
				return ech.ECH, nil
			}
		}
	}
	return nil, nil
}

// ParseBackend 解析解析器 URL
//
//	system://0.0.0.0
//	dns://1.1.1.1[:53]
//	dns+https://1.1.1.1[:443][/path]?sni=cloudflare-dns.com
//	dns+tls://8.8.8.8[:853]?sni=dns.google
func ParseBackend(raw string, dialer *net.Dialer, httpProxy *url.URL) (Backend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "invalid dns resolver %s", raw)
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if u.Hostname() == "" && u.Scheme != "system" {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "dns resolver %s has no host", raw)
	}
	withPort := func(def string) string {
		port := u.Port()
		if port == "" {
			port = def
		}
		return net.JoinHostPort(u.Hostname(), port)
	}
	sni := u.Query().Get("sni")
	if sni == "" {
		sni = u.Hostname()
	}

	switch strings.ToLower(u.Scheme) {
	case "system":
		return &systemBackend{resolver: &net.Resolver{PreferGo: false}}, nil
	case "dns", "dns+udp":
		return newUDPBackend(withPort("53"), dialer), nil
	case "dns+tls":
		return newTLSBackend(withPort("853"), sni, dialer), nil
	case "dns+https":
		path := u.Path
		if path == "" || path == "/" {
			path = "/dns-query"
		}
		endpoint := (&url.URL{Scheme: "https", Host: withPort("443"), Path: path}).String()
		transport := &http.Transport{
			DialContext:         dialer.DialContext,
			TLSClientConfig:     &tls.Config{ServerName: sni, MinVersion: tls.VersionTLS12},
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: queryTimeout,
			IdleConnTimeout:     90 * time.Second,
		}
		if httpProxy != nil {
			transport.Proxy = http.ProxyURL(httpProxy)
		}
		return newDoHBackend(endpoint, &http.Client{Transport: transport, Timeout: 2 * queryTimeout}), nil
	}
	return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unsupported dns resolver scheme %q", u.Scheme)
}
