// Package validator provides configuration validation
package validator

import (
	"fmt"
	"net/url"
	"strings"

	"wstunnel-go/internal/config/schema"
	coreerrors "wstunnel-go/internal/core/errors"
	"wstunnel-go/internal/protocol/adapter"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/tunnel"
)

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string // Field path (e.g., "client.remote_addr")
	Value   string // Current value (masked for secrets)
	Message string // Error message
	Hint    string // Fix suggestion
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult contains all validation errors
type ValidationResult struct {
	Errors []ValidationError
}

// IsValid returns true if there are no validation errors
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error message
func (r *ValidationResult) Error() string {
	if r.IsValid() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n\n")
	for i, err := range r.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Field))
		if err.Value != "" {
			sb.WriteString(fmt.Sprintf("     Current value: %s\n", err.Value))
		}
		sb.WriteString(fmt.Sprintf("     Error: %s\n", err.Message))
		if err.Hint != "" {
			sb.WriteString(fmt.Sprintf("     Hint: %s\n", err.Hint))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Err returns nil when valid, otherwise a ConfigError carrying the report
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	return coreerrors.New(coreerrors.CodeConfigError, r.Error())
}

// AddError adds a validation error
func (r *ValidationResult) AddError(field, value, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Hint:    hint,
	})
}

// ValidationRule is a function that validates configuration
type ValidationRule func(cfg *schema.Root, result *ValidationResult)

// Validator validates configuration
type Validator struct {
	rules []ValidationRule
}

// NewValidator creates a Validator with the rules for the given mode
func NewValidator(mode string) *Validator {
	v := &Validator{}
	v.AddRule(validateLog)
	switch mode {
	case schema.ModeClient:
		v.AddRule(validateClient)
	case schema.ModeServer:
		v.AddRule(validateServer)
	default:
		v.AddRule(func(cfg *schema.Root, result *ValidationResult) {
			result.AddError("mode", mode, "mode must be client or server",
				"Run 'wstunnel client' or 'wstunnel server', or set mode in the config file")
		})
	}
	return v
}

// AddRule adds a validation rule
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// Validate validates the configuration
func (v *Validator) Validate(cfg *schema.Root) *ValidationResult {
	result := &ValidationResult{}
	for _, rule := range v.rules {
		rule(cfg, result)
	}
	return result
}

// Validate is a convenience function returning a ConfigError on failure
func Validate(cfg *schema.Root, mode string) error {
	return NewValidator(mode).Validate(cfg).Err()
}

// ============================================================================
// Validation Rules
// ============================================================================

func validateLog(cfg *schema.Root, result *ValidationResult) {
	switch strings.ToUpper(cfg.LogLvl) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "OFF":
	default:
		result.AddError("log_lvl", cfg.LogLvl, "invalid log level",
			"Use one of: TRACE, DEBUG, INFO, WARN, ERROR, OFF")
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		result.AddError("log_format", cfg.LogFormat, "invalid log format", "Use one of: text, json")
	}
}

func validateClient(cfg *schema.Root, result *ValidationResult) {
	c := &cfg.Client
	validateRemoteAddr("client.remote_addr", c.RemoteAddr, result)

	if len(c.LocalToRemote) == 0 && len(c.RemoteToLocal) == 0 {
		result.AddError("client.local_to_remote", "[]",
			"no tunnel configured",
			"Add at least one -L or -R route, e.g., -L tcp://1212:google.com:443")
	}
	stdio := 0
	for i, route := range c.LocalToRemote {
		spec, err := tunnel.Parse(route)
		if err != nil {
			result.AddError(fmt.Sprintf("client.local_to_remote[%d]", i), route, err.Error(), routeHint)
			continue
		}
		if spec.Protocol.Kind == tunnel.KindStdio {
			stdio++
		}
		if (spec.Protocol.Kind == tunnel.KindTProxyTCP || spec.Protocol.Kind == tunnel.KindTProxyUDP) && !adapter.TProxySupported {
			result.AddError(fmt.Sprintf("client.local_to_remote[%d]", i), route,
				"transparent proxy is only supported on linux", "")
		}
	}
	if stdio > 1 {
		result.AddError("client.local_to_remote", fmt.Sprintf("%d stdio routes", stdio),
			"only one stdio route can be configured", "Keep a single stdio:// route")
	}
	for i, route := range c.RemoteToLocal {
		if _, err := tunnel.ParseReverse(route); err != nil {
			result.AddError(fmt.Sprintf("client.remote_to_local[%d]", i), route, err.Error(),
				"Reverse routes use tcp, udp, socks5, http or unix")
		}
	}

	if c.TLSSNIDisable && c.TLSSNIOverride != "" {
		result.AddError("client.tls_sni_disable", "true",
			"tls_sni_disable conflicts with tls_sni_override", "Set only one of them")
	}
	if c.TLSSNIDisable && c.TLSECHEnable {
		result.AddError("client.tls_sni_disable", "true",
			"tls_sni_disable conflicts with tls_ech_enable", "ECH needs an SNI to hide")
	}
	validateKeyPair("client", c.TLSCertificate, c.TLSPrivateKey, result)

	for i, h := range c.HTTPHeaders {
		if _, _, err := transport.ParseHeader(h); err != nil {
			result.AddError(fmt.Sprintf("client.http_headers[%d]", i), h, "invalid http header", "Use 'Name: value'")
		}
	}
	if c.HTTPUpgradeCredentials != "" {
		if _, _, ok := c.HTTPUpgradeCredentials.UserPassword(); !ok {
			result.AddError("client.http_upgrade_credentials", c.HTTPUpgradeCredentials.String(),
				"credentials must be user:password", "")
		}
	}
	if c.HTTPProxy != "" {
		if _, err := ParseHTTPProxy(c.HTTPProxy); err != nil {
			result.AddError("client.http_proxy", c.HTTPProxy, err.Error(), "Use [user:pass@]host:port")
		}
	}
	if strings.Contains(c.HTTPUpgradePathPrefix, "/") {
		result.AddError("client.http_upgrade_path_prefix", c.HTTPUpgradePathPrefix,
			"path prefix must not contain '/'", "")
	}

	validateNonNegative("client.connection_min_idle", c.ConnectionMinIdle, result)
	validateNonNegative("client.socket_so_mark", c.SocketSoMark, result)
	validateNonNegativeDuration("client.websocket_ping_frequency", c.WebsocketPingFrequency, result)
	validateNonNegativeDuration("client.connection_retry_max_backoff", c.ConnectionRetryMaxBackoff, result)
	validateNonNegativeDuration("client.reverse_tunnel_connection_retry_max_backoff", c.ReverseTunnelConnectionRetryMaxBackoff, result)
}

func validateServer(cfg *schema.Root, result *ValidationResult) {
	s := &cfg.Server
	u := validateRemoteAddr("server.remote_addr", s.RemoteAddr, result)

	if s.RestrictConfig != "" && (len(s.RestrictTo) > 0 || len(s.RestrictHTTPUpgradePathPrefix) > 0) {
		result.AddError("server.restrict_config", s.RestrictConfig,
			"restrict_config conflicts with restrict_to and restrict_http_upgrade_path_prefix",
			"Move the simple restrictions into the restriction file")
	}
	for i, dest := range s.RestrictTo {
		if sep := strings.LastIndex(dest, ":"); sep <= 0 || sep == len(dest)-1 {
			result.AddError(fmt.Sprintf("server.restrict_to[%d]", i), dest, "expected host:port", "")
		}
	}

	validateKeyPair("server", s.TLSCertificate, s.TLSPrivateKey, result)
	if s.TLSClientCACerts != "" && u != nil && !transport.IsSecureScheme(u.Scheme) {
		result.AddError("server.tls_client_ca_certs", s.TLSClientCACerts,
			"client certificates require a wss:// or https:// listener", "")
	}

	validateNonNegative("server.socket_so_mark", s.SocketSoMark, result)
	validateNonNegativeDuration("server.websocket_ping_frequency", s.WebsocketPingFrequency, result)
	validateNonNegativeDuration("server.remote_to_local_server_idle_timeout", s.RemoteToLocalServerIdleTimeout, result)
}

// ============================================================================
// Helpers
// ============================================================================

const routeHint = "Use scheme://[bind:]port:host:port, e.g., tcp://1212:google.com:443"

func validateRemoteAddr(field, raw string, result *ValidationResult) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		result.AddError(field, raw, "invalid url", "Use ws[s]://host[:port] or http[s]://host[:port]")
		return nil
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		result.AddError(field, raw, "scheme must be ws, wss, http or https", "")
		return nil
	}
	if u.Hostname() == "" {
		result.AddError(field, raw, "host is required", "")
		return nil
	}
	return u
}

func validateKeyPair(section, cert, key string, result *ValidationResult) {
	if (cert == "") != (key == "") {
		result.AddError(section+".tls_certificate", cert,
			"tls_certificate and tls_private_key must be set together", "")
	}
}

func validateNonNegative(field string, v int, result *ValidationResult) {
	if v < 0 {
		result.AddError(field, fmt.Sprintf("%d", v), "must be non-negative", "Set a value >= 0")
	}
}

func validateNonNegativeDuration(field string, d schema.Duration, result *ValidationResult) {
	if d < 0 {
		result.AddError(field, d.String(), "must be non-negative", "Use 0 to disable")
	}
}

// ParseHTTPProxy parses [http://][user:pass@]host:port
func ParseHTTPProxy(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "invalid http proxy")
	}
	if u.Scheme != "http" || u.Hostname() == "" || u.Port() == "" {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "http proxy must be host:port, got %q", u.Redacted())
	}
	return u, nil
}
