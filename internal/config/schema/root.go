// Package schema defines the configuration file structure
package schema

import (
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Application modes
const (
	ModeClient = "client"
	ModeServer = "server"
)

// Root is the top-level configuration structure
type Root struct {
	// Mode selects client or server when no sub-command is given
	Mode string `yaml:"mode" json:"mode"`

	LogLvl    string `yaml:"log_lvl" json:"log_lvl"`
	LogFormat string `yaml:"log_format" json:"log_format"` // text/json
	NoColor   bool   `yaml:"no_color" json:"no_color"`

	Client ClientConfig `yaml:"client" json:"client"`
	Server ServerConfig `yaml:"server" json:"server"`
}

// ClientConfig contains client-side configuration
type ClientConfig struct {
	// LocalToRemote forward routes, e.g. tcp://1212:google.com:443
	LocalToRemote []string `yaml:"local_to_remote" json:"local_to_remote"`

	// RemoteToLocal reverse routes bound on the server
	RemoteToLocal []string `yaml:"remote_to_local" json:"remote_to_local"`

	RemoteAddr string `yaml:"remote_addr" json:"remote_addr"`

	HTTPUpgradePathPrefix  string   `yaml:"http_upgrade_path_prefix" json:"http_upgrade_path_prefix"`
	HTTPUpgradeCredentials Secret   `yaml:"http_upgrade_credentials" json:"http_upgrade_credentials"` // user:password
	HTTPHeaders            []string `yaml:"http_headers" json:"http_headers"`                         // "Name: value"
	HTTPHeadersFile        string   `yaml:"http_headers_file" json:"http_headers_file"`

	// HTTPProxy [user:pass@]host:port
	HTTPProxy         string `yaml:"http_proxy" json:"http_proxy"`
	HTTPProxyLogin    string `yaml:"http_proxy_login" json:"http_proxy_login"`
	HTTPProxyPassword Secret `yaml:"http_proxy_password" json:"http_proxy_password"`

	TLSSNIOverride       string `yaml:"tls_sni_override" json:"tls_sni_override"`
	TLSSNIDisable        bool   `yaml:"tls_sni_disable" json:"tls_sni_disable"`
	TLSECHEnable         bool   `yaml:"tls_ech_enable" json:"tls_ech_enable"`
	TLSVerifyCertificate bool   `yaml:"tls_verify_certificate" json:"tls_verify_certificate"`
	TLSCertificate       string `yaml:"tls_certificate" json:"tls_certificate"`
	TLSPrivateKey        string `yaml:"tls_private_key" json:"tls_private_key"`

	WebsocketPingFrequency Duration `yaml:"websocket_ping_frequency" json:"websocket_ping_frequency"`
	WebsocketMaskFrame     bool     `yaml:"websocket_mask_frame" json:"websocket_mask_frame"`

	ConnectionMinIdle                      int      `yaml:"connection_min_idle" json:"connection_min_idle"`
	ConnectionRetryMaxBackoff              Duration `yaml:"connection_retry_max_backoff" json:"connection_retry_max_backoff"`
	ReverseTunnelConnectionRetryMaxBackoff Duration `yaml:"reverse_tunnel_connection_retry_max_backoff" json:"reverse_tunnel_connection_retry_max_backoff"`

	SocketSoMark          int      `yaml:"socket_so_mark" json:"socket_so_mark"`
	DNSResolver           []string `yaml:"dns_resolver" json:"dns_resolver"`
	DNSResolverPreferIPv4 bool     `yaml:"dns_resolver_prefer_ipv4" json:"dns_resolver_prefer_ipv4"`
}

// ServerConfig contains server-side configuration
type ServerConfig struct {
	RemoteAddr string `yaml:"remote_addr" json:"remote_addr"`

	RestrictTo                    []string `yaml:"restrict_to" json:"restrict_to"`
	RestrictHTTPUpgradePathPrefix []string `yaml:"restrict_http_upgrade_path_prefix" json:"restrict_http_upgrade_path_prefix"`
	RestrictConfig                string   `yaml:"restrict_config" json:"restrict_config"`

	TLSCertificate   string `yaml:"tls_certificate" json:"tls_certificate"`
	TLSPrivateKey    string `yaml:"tls_private_key" json:"tls_private_key"`
	TLSClientCACerts string `yaml:"tls_client_ca_certs" json:"tls_client_ca_certs"`

	WebsocketPingFrequency         Duration `yaml:"websocket_ping_frequency" json:"websocket_ping_frequency"`
	RemoteToLocalServerIdleTimeout Duration `yaml:"remote_to_local_server_idle_timeout" json:"remote_to_local_server_idle_timeout"`

	SocketSoMark          int      `yaml:"socket_so_mark" json:"socket_so_mark"`
	DNSResolver           []string `yaml:"dns_resolver" json:"dns_resolver"`
	DNSResolverPreferIPv4 bool     `yaml:"dns_resolver_prefer_ipv4" json:"dns_resolver_prefer_ipv4"`
}

// Duration accepts either a Go duration string ("30s", "5m") or a plain
// number of seconds
type Duration time.Duration

// ParseDuration parses a duration string or a number of seconds
func ParseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

// Std returns the value as time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
