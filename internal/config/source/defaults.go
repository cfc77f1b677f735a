package source

import (
	"time"

	"wstunnel-go/internal/config/schema"
)

// Default values shared with the validator and the builder
const (
	// DefaultPathPrefix applies when no source sets a prefix and the client
	// certificate has no common name
	DefaultPathPrefix       = "v1"
	DefaultClientRemoteAddr = "ws://127.0.0.1:8080"
	DefaultServerRemoteAddr = "ws://0.0.0.0:8080"
	DefaultLogLevel         = "INFO"

	DefaultPingFrequency       = 30 * time.Second
	DefaultRetryMaxBackoff     = 5 * time.Minute
	DefaultReverseRetryBackoff = time.Second
	DefaultReverseIdleTimeout  = 180 * time.Second
)

// DefaultSource provides default configuration values
type DefaultSource struct{}

// NewDefaultSource creates a new DefaultSource
func NewDefaultSource() *DefaultSource {
	return &DefaultSource{}
}

// Name returns the source name
func (s *DefaultSource) Name() string {
	return "defaults"
}

// Priority returns the source priority
func (s *DefaultSource) Priority() int {
	return PriorityDefaults
}

// LoadInto loads default values into the configuration
func (s *DefaultSource) LoadInto(cfg *schema.Root) error {
	cfg.LogLvl = DefaultLogLevel
	cfg.LogFormat = "text"

	// Client defaults
	cfg.Client.RemoteAddr = DefaultClientRemoteAddr
	// HTTPUpgradePathPrefix stays empty so the builder can tell an explicit
	// prefix from the default; see DefaultPathPrefix
	cfg.Client.WebsocketPingFrequency = schema.Duration(DefaultPingFrequency)
	cfg.Client.ConnectionRetryMaxBackoff = schema.Duration(DefaultRetryMaxBackoff)
	cfg.Client.ReverseTunnelConnectionRetryMaxBackoff = schema.Duration(DefaultReverseRetryBackoff)

	// Server defaults
	cfg.Server.RemoteAddr = DefaultServerRemoteAddr
	cfg.Server.WebsocketPingFrequency = schema.Duration(DefaultPingFrequency)
	cfg.Server.RemoteToLocalServerIdleTimeout = schema.Duration(DefaultReverseIdleTimeout)
	return nil
}
