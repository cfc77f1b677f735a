package transport

import (
	"time"

	"github.com/hashicorp/yamux"

	corelog "wstunnel-go/internal/core/log"
)

// MuxConfig 反向控制连接上的 yamux 配置，ping 为 0 时关闭 keepalive
func MuxConfig(ping time.Duration) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = corelog.DebugWriter("yamux: ")
	cfg.StreamOpenTimeout = DefaultHandshakeTimeout
	cfg.EnableKeepAlive = ping > 0
	if ping > 0 {
		cfg.KeepAliveInterval = ping
	}
	return cfg
}
