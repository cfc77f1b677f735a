package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"wstunnel-go/internal/client"
	"wstunnel-go/internal/config"
	"wstunnel-go/internal/config/schema"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/version"
)

// clientBindings client 子命令标志 -> 配置键
var clientBindings = map[string]string{
	"local-to-remote":                             "client.local_to_remote",
	"remote-to-local":                             "client.remote_to_local",
	"http-upgrade-path-prefix":                    "client.http_upgrade_path_prefix",
	"http-upgrade-credentials":                    "client.http_upgrade_credentials",
	"http-headers":                                "client.http_headers",
	"http-headers-file":                           "client.http_headers_file",
	"http-proxy":                                  "client.http_proxy",
	"http-proxy-login":                            "client.http_proxy_login",
	"http-proxy-password":                         "client.http_proxy_password",
	"tls-sni-override":                            "client.tls_sni_override",
	"tls-sni-disable":                             "client.tls_sni_disable",
	"tls-ech-enable":                              "client.tls_ech_enable",
	"tls-verify-certificate":                      "client.tls_verify_certificate",
	"tls-certificate":                             "client.tls_certificate",
	"tls-private-key":                             "client.tls_private_key",
	"websocket-ping-frequency":                    "client.websocket_ping_frequency",
	"websocket-mask-frame":                        "client.websocket_mask_frame",
	"connection-min-idle":                         "client.connection_min_idle",
	"connection-retry-max-backoff":                "client.connection_retry_max_backoff",
	"reverse-tunnel-connection-retry-max-backoff": "client.reverse_tunnel_connection_retry_max_backoff",
	"socket-so-mark":                              "client.socket_so_mark",
	"dns-resolver":                                "client.dns_resolver",
	"dns-resolver-prefer-ipv4":                    "client.dns_resolver_prefer_ipv4",
}

func newClientCommand(opts *rootOptions) *cobra.Command {
	clientCmd := &cobra.Command{
		Use:   "client [flags] <ws[s]|http[s]://host[:port]>",
		Short: "Run the client: accept local traffic and forward it to the server",
		Long: `Run the client.

Route syntax: scheme://[bind:]port:host:port[?timeout_sec=N&login=L&password=P&proxy_protocol]
Schemes: tcp, udp, socks5, http, stdio, unix, tproxy+tcp, tproxy+udp

Examples:
  wstunnel client -L tcp://1212:google.com:443 ws://localhost:8080
  wstunnel client -L 'udp://1212:1.1.1.1:53?timeout_sec=10' wss://tunnel.example.com
  wstunnel client -L socks5://[::1]:1212 -L stdio://google.com:443 ws://localhost:8080
  wstunnel client -R tcp://5555:localhost:22 ws://localhost:8080`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, clientBindings)
			if err != nil {
				return err
			}
			cfg.Mode = schema.ModeClient
			if len(args) == 1 {
				cfg.Client.RemoteAddr = args[0]
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := clientCmd.Flags()
	f.StringArrayP("local-to-remote", "L", nil, "Forward route, repeatable (e.g. tcp://1212:google.com:443)")
	f.StringArrayP("remote-to-local", "R", nil, "Reverse route bound on the server, repeatable (e.g. tcp://5555:localhost:22)")
	f.String("http-upgrade-path-prefix", "", "Upgrade path prefix (default \"v1\", or the client certificate common name)")
	f.String("http-upgrade-credentials", "", "Basic auth credentials for the upgrade request (user:password)")
	f.StringArrayP("http-headers", "H", nil, "Extra upgrade request header, repeatable (\"Name: value\")")
	f.String("http-headers-file", "", "File with extra headers, re-read on every connection")
	f.StringP("http-proxy", "p", "", "HTTP proxy to reach the server ([user:pass@]host:port, default $HTTP_PROXY)")
	f.String("http-proxy-login", "", "HTTP proxy login")
	f.String("http-proxy-password", "", "HTTP proxy password")
	f.String("tls-sni-override", "", "Send this server name in SNI")
	f.Bool("tls-sni-disable", false, "Do not send SNI")
	f.Bool("tls-ech-enable", false, "Use encrypted client hello published in DNS")
	f.Bool("tls-verify-certificate", false, "Verify the server certificate")
	f.String("tls-certificate", "", "Client certificate (PEM) for mTLS")
	f.String("tls-private-key", "", "Client private key (PEM) for mTLS")
	f.String("websocket-ping-frequency", "", "Ping interval, seconds or duration (0 disables, default 30s)")
	f.Bool("websocket-mask-frame", false, "Mask websocket frames sent by the client")
	f.IntP("connection-min-idle", "c", 0, "Idle connections kept ready in the pool")
	f.String("connection-retry-max-backoff", "", "Maximum delay between reconnection attempts (default 5m)")
	f.String("reverse-tunnel-connection-retry-max-backoff", "", "Maximum delay between reverse tunnel reconnection attempts (default 1s)")
	f.Int("socket-so-mark", 0, "SO_MARK applied to outgoing sockets (Linux)")
	f.StringArray("dns-resolver", nil, "DNS resolver URL, repeatable (dns://, dns+https://, dns+tls://, system://)")
	f.Bool("dns-resolver-prefer-ipv4", false, "Prefer IPv4 addresses")
	return clientCmd
}

// runClient 构建客户端配置并运行直到 ctx 取消
func runClient(ctx context.Context, cfg *schema.Root) error {
	clientCfg, res, err := config.BuildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	corelog.Infof("client: starting wstunnel %s, server %s", version.GetVersion(), clientCfg.Remote.Redacted())
	for _, spec := range clientCfg.LocalToRemote {
		corelog.Infof("client: forward %s %s -> %s", spec.Protocol.Kind, spec.Local, spec.Remote())
	}
	for _, spec := range clientCfg.RemoteToLocal {
		corelog.Infof("client: reverse %s %s -> %s", spec.Protocol.Kind, spec.Local, spec.Remote())
	}
	return client.Run(ctx, clientCfg)
}
