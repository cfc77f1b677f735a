package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wstunnel-go/internal/config/schema"
	"wstunnel-go/internal/config/source"
	coreerrors "wstunnel-go/internal/core/errors"
)

func defaults(t *testing.T) *schema.Root {
	t.Helper()
	cfg := &schema.Root{}
	require.NoError(t, source.NewDefaultSource().LoadInto(cfg))
	return cfg
}

func TestValidationResult(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.IsValid())
	assert.Empty(t, r.Error())
	assert.NoError(t, r.Err())

	r.AddError("client.remote_addr", "ftp://x", "scheme must be ws, wss, http or https", "")
	assert.False(t, r.IsValid())
	assert.Contains(t, r.Error(), "client.remote_addr")
	assert.Contains(t, r.Error(), "ftp://x")
	assert.True(t, coreerrors.IsConfig(r.Err()))
}

func TestValidate_Client(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *schema.ClientConfig)
		wantErr string
	}{
		{"valid forward", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1212:google.com:443", "socks5://[::1]:1080"}
		}, ""},
		{"valid reverse", func(c *schema.ClientConfig) {
			c.RemoteToLocal = []string{"tcp://5555:localhost:22"}
		}, ""},
		{"no tunnel", func(c *schema.ClientConfig) {}, "no tunnel configured"},
		{"bad route", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"ftp://1:a:1"}
		}, "client.local_to_remote[0]"},
		{"stdio reverse", func(c *schema.ClientConfig) {
			c.RemoteToLocal = []string{"stdio://localhost:22"}
		}, "client.remote_to_local[0]"},
		{"two stdio", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"stdio://a:1", "stdio://b:2"}
		}, "only one stdio route"},
		{"bad scheme", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.RemoteAddr = "tcp://server:80"
		}, "scheme must be"},
		{"sni disable and override", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.TLSSNIDisable = true
			c.TLSSNIOverride = "example.com"
		}, "tls_sni_override"},
		{"sni disable and ech", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.TLSSNIDisable = true
			c.TLSECHEnable = true
		}, "tls_ech_enable"},
		{"cert without key", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.TLSCertificate = "client.crt"
		}, "must be set together"},
		{"bad header", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.HTTPHeaders = []string{"nocolon"}
		}, "invalid http header"},
		{"bad credentials", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.HTTPUpgradeCredentials = "nocolon"
		}, "user:password"},
		{"bad proxy", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.HTTPProxy = "proxy.local"
		}, "client.http_proxy"},
		{"negative min idle", func(c *schema.ClientConfig) {
			c.LocalToRemote = []string{"tcp://1:a:1"}
			c.ConnectionMinIdle = -1
		}, "client.connection_min_idle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(&cfg.Client)
			err := Validate(cfg, schema.ModeClient)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, coreerrors.IsConfig(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Server(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *schema.ServerConfig)
		wantErr string
	}{
		{"defaults", func(s *schema.ServerConfig) {}, ""},
		{"restrictions", func(s *schema.ServerConfig) {
			s.RestrictTo = []string{"example.com:443"}
			s.RestrictHTTPUpgradePathPrefix = []string{"secret"}
		}, ""},
		{"restrict config conflict", func(s *schema.ServerConfig) {
			s.RestrictConfig = "rules.yaml"
			s.RestrictTo = []string{"example.com:443"}
		}, "conflicts with restrict_to"},
		{"restrict_to without port", func(s *schema.ServerConfig) {
			s.RestrictTo = []string{"example.com"}
		}, "expected host:port"},
		{"client CA without tls", func(s *schema.ServerConfig) {
			s.TLSClientCACerts = "ca.pem"
		}, "require a wss:// or https://"},
		{"client CA with tls", func(s *schema.ServerConfig) {
			s.RemoteAddr = "wss://0.0.0.0:443"
			s.TLSClientCACerts = "ca.pem"
		}, ""},
		{"missing host", func(s *schema.ServerConfig) {
			s.RemoteAddr = "ws://"
		}, "host is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(&cfg.Server)
			err := Validate(cfg, schema.ModeServer)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ModeAndLog(t *testing.T) {
	cfg := defaults(t)
	assert.ErrorContains(t, Validate(cfg, ""), "mode must be client or server")

	cfg.LogLvl = "chatty"
	assert.ErrorContains(t, Validate(cfg, schema.ModeServer), "invalid log level")
}

func TestParseHTTPProxy(t *testing.T) {
	u, err := ParseHTTPProxy("user:pass@proxy.local:3128")
	require.NoError(t, err)
	assert.Equal(t, "proxy.local:3128", u.Host)
	assert.Equal(t, "user", u.User.Username())

	_, err = ParseHTTPProxy("socks5://proxy.local:1080")
	assert.True(t, coreerrors.IsConfig(err))
}
