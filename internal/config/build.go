// Package config turns the loaded configuration file, environment and flags
// into the validated client and server runtime configurations
package config

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"wstunnel-go/internal/client"
	"wstunnel-go/internal/config/schema"
	"wstunnel-go/internal/config/source"
	"wstunnel-go/internal/config/validator"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/dns"
	"wstunnel-go/internal/server"
	"wstunnel-go/internal/server/restrict"
	"wstunnel-go/internal/tlsconfig"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
	"wstunnel-go/internal/watch"
)

// Resources owns what the built configuration keeps open (TLS and rule
// file watchers); Close releases them after the engine returns
type Resources struct {
	closers []func() error
}

func (r *Resources) add(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close releases all resources in reverse order
func (r *Resources) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// HasStdio reports whether a stdio route is configured; logs must then
// go to stderr
func HasStdio(cfg *schema.Root) bool {
	for _, route := range cfg.Client.LocalToRemote {
		if spec, err := tunnel.Parse(route); err == nil && spec.Protocol.Kind == tunnel.KindStdio {
			return true
		}
	}
	return false
}

// BuildClient validates the client section and resolves it into a
// client.Config
func BuildClient(ctx context.Context, cfg *schema.Root) (client.Config, *Resources, error) {
	if err := validator.Validate(cfg, schema.ModeClient); err != nil {
		return client.Config{}, nil, err
	}
	c := &cfg.Client
	res := &Resources{}

	out := client.Config{
		PathPrefix:        c.HTTPUpgradePathPrefix,
		PingFrequency:     c.WebsocketPingFrequency.Std(),
		MaskFrame:         c.WebsocketMaskFrame,
		MinIdle:           c.ConnectionMinIdle,
		MaxBackoff:        c.ConnectionRetryMaxBackoff.Std(),
		ReverseMaxBackoff: c.ReverseTunnelConnectionRetryMaxBackoff.Std(),
	}
	out.Remote, _ = url.Parse(c.RemoteAddr)

	for _, route := range c.LocalToRemote {
		spec, _ := tunnel.Parse(route)
		out.LocalToRemote = append(out.LocalToRemote, spec)
	}
	for _, route := range c.RemoteToLocal {
		spec, _ := tunnel.ParseReverse(route)
		out.RemoteToLocal = append(out.RemoteToLocal, spec)
	}

	out.Headers = transport.Headers{
		Static:             make(http.Header),
		File:               c.HTTPHeadersFile,
		UpgradeCredentials: c.HTTPUpgradeCredentials.Value(),
	}
	for _, h := range c.HTTPHeaders {
		name, value, _ := transport.ParseHeader(h)
		out.Headers.Static.Add(name, value)
	}

	proxy, err := httpProxy(c)
	if err != nil {
		return client.Config{}, nil, err
	}

	resolver, err := dns.NewResolver(dns.Options{
		Resolvers:  c.DNSResolver,
		PreferIPv4: c.DNSResolverPreferIPv4,
		Dialer:     transport.NewNetDialer(0, c.SocketSoMark),
		HTTPProxy:  proxy,
	})
	if err != nil {
		return client.Config{}, nil, err
	}
	out.Dialer = &transport.Dialer{Resolver: resolver, Proxy: proxy}

	if transport.IsSecureScheme(out.Remote.Scheme) {
		var ech []byte
		if c.TLSECHEnable {
			// resolved once at start-up, never refreshed
			ech, err = resolver.LookupECH(ctx, out.Remote.Hostname())
			if err != nil {
				return client.Config{}, nil, err
			}
			if ech == nil {
				corelog.Warnf("config: no ECH configuration published for %s, continuing without ECH", out.Remote.Hostname())
			}
		}
		tlsClient, err := tlsconfig.NewClient(ctx, tlsconfig.ClientOptions{
			SNIOverride:       c.TLSSNIOverride,
			SNIDisable:        c.TLSSNIDisable,
			VerifyCertificate: c.TLSVerifyCertificate,
			CertFile:          c.TLSCertificate,
			KeyFile:           c.TLSPrivateKey,
			ECHConfigList:     ech,
		})
		if err != nil {
			return client.Config{}, nil, err
		}
		res.add(tlsClient.Close)
		out.Dialer.TLS = tlsClient

		if cn := tlsClient.CommonName(); cn != "" && out.PathPrefix == "" {
			corelog.Infof("config: using client certificate common name %q as path prefix", cn)
			out.PathPrefix = cn
		}
	}
	// an explicit prefix from any source wins, even when it equals the default
	if out.PathPrefix == "" {
		out.PathPrefix = source.DefaultPathPrefix
	}
	return out, res, nil
}

// httpProxy resolves http_proxy (or HTTP_PROXY) and the explicit login
// and password, which take precedence over credentials in the URL
func httpProxy(c *schema.ClientConfig) (*url.URL, error) {
	raw := c.HTTPProxy
	if raw == "" {
		raw = os.Getenv("HTTP_PROXY")
	}
	if raw == "" {
		return nil, nil
	}
	u, err := validator.ParseHTTPProxy(raw)
	if err != nil {
		return nil, err
	}
	if c.HTTPProxyLogin != "" {
		u.User = url.UserPassword(c.HTTPProxyLogin, c.HTTPProxyPassword.Value())
	}
	return u, nil
}

// BuildServer validates the server section and resolves it into a
// server.Config
func BuildServer(ctx context.Context, cfg *schema.Root) (server.Config, *Resources, error) {
	if err := validator.Validate(cfg, schema.ModeServer); err != nil {
		return server.Config{}, nil, err
	}
	s := &cfg.Server
	res := &Resources{}

	out := server.Config{
		PingFrequency:      s.WebsocketPingFrequency.Std(),
		ReverseIdleTimeout: s.RemoteToLocalServerIdleTimeout.Std(),
	}
	out.Listen, _ = url.Parse(s.RemoteAddr)

	resolver, err := dns.NewResolver(dns.Options{
		Resolvers:  s.DNSResolver,
		PreferIPv4: s.DNSResolverPreferIPv4,
		Dialer:     transport.NewNetDialer(0, s.SocketSoMark),
	})
	if err != nil {
		return server.Config{}, nil, err
	}
	out.Resolver = resolver

	if transport.IsSecureScheme(out.Listen.Scheme) {
		tlsServer, err := tlsconfig.NewServer(ctx, tlsconfig.ServerOptions{
			CertFile:     s.TLSCertificate,
			KeyFile:      s.TLSPrivateKey,
			ClientCAFile: s.TLSClientCACerts,
		})
		if err != nil {
			return server.Config{}, nil, err
		}
		res.add(tlsServer.Close)
		out.TLS = tlsServer
	}

	if s.RestrictConfig != "" {
		file := s.RestrictConfig
		rules, err := watch.New(ctx, "restrictions", func() (*restrict.Config, error) {
			return restrict.Load(file)
		}, file)
		if err != nil {
			res.Close()
			return server.Config{}, nil, err
		}
		res.add(rules.Close)
		out.Restrictions = rules
	} else {
		rules, err := restrict.FromSimple(s.RestrictTo, s.RestrictHTTPUpgradePathPrefix)
		if err != nil {
			res.Close()
			return server.Config{}, nil, coreerrors.Wrap(err, coreerrors.CodeConfigError, "restrictions")
		}
		if rules != nil {
			out.Restrictions = watch.Static(rules)
		}
	}
	return out, res, nil
}
