package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"wstunnel-go/internal/config"
	"wstunnel-go/internal/config/schema"
	"wstunnel-go/internal/server"
)

// serverBindings server 子命令标志 -> 配置键
var serverBindings = map[string]string{
	"restrict-to":                         "server.restrict_to",
	"restrict-http-upgrade-path-prefix":   "server.restrict_http_upgrade_path_prefix",
	"restrict-config":                     "server.restrict_config",
	"tls-certificate":                     "server.tls_certificate",
	"tls-private-key":                     "server.tls_private_key",
	"tls-client-ca-certs":                 "server.tls_client_ca_certs",
	"websocket-ping-frequency":            "server.websocket_ping_frequency",
	"remote-to-local-server-idle-timeout": "server.remote_to_local_server_idle_timeout",
	"socket-so-mark":                      "server.socket_so_mark",
	"dns-resolver":                        "server.dns_resolver",
	"dns-resolver-prefer-ipv4":            "server.dns_resolver_prefer_ipv4",
}

func newServerCommand(opts *rootOptions) *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server [flags] <ws[s]|http[s]://bind[:port]>",
		Short: "Run the server: accept tunnels and forward them to their destination",
		Long: `Run the server.

Examples:
  wstunnel server ws://[::]:8080
  wstunnel server --restrict-to localhost:22 wss://0.0.0.0:443
  wstunnel server --tls-certificate cert.pem --tls-private-key key.pem --tls-client-ca-certs ca.pem wss://0.0.0.0:443
  wstunnel server --restrict-config restrictions.yaml ws://0.0.0.0:8080`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, serverBindings)
			if err != nil {
				return err
			}
			cfg.Mode = schema.ModeServer
			if len(args) == 1 {
				cfg.Server.RemoteAddr = args[0]
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := serverCmd.Flags()
	f.StringArray("restrict-to", nil, "Only allow tunnels to this host:port, repeatable")
	f.StringArrayP("restrict-http-upgrade-path-prefix", "r", nil, "Only accept clients using this path prefix, repeatable")
	f.String("restrict-config", "", "Restriction rules file (YAML), reloaded on change")
	f.String("tls-certificate", "", "Server certificate (PEM), reloaded on change; self-signed when unset")
	f.String("tls-private-key", "", "Server private key (PEM), reloaded on change")
	f.String("tls-client-ca-certs", "", "CA bundle for client certificates; enables mTLS")
	f.String("websocket-ping-frequency", "", "Ping interval, seconds or duration (0 disables, default 30s)")
	f.String("remote-to-local-server-idle-timeout", "", "Unbind a reverse listener after this long without a client (default 180s)")
	f.Int("socket-so-mark", 0, "SO_MARK applied to outgoing sockets (Linux)")
	f.StringArray("dns-resolver", nil, "DNS resolver URL, repeatable (dns://, dns+https://, dns+tls://, system://)")
	f.Bool("dns-resolver-prefer-ipv4", false, "Prefer IPv4 addresses")
	return serverCmd
}

// runServer 构建服务端配置并运行直到 ctx 取消
func runServer(ctx context.Context, cfg *schema.Root) error {
	serverCfg, res, err := config.BuildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	displayStartupBanner(cfg, serverCfg)
	return server.Run(ctx, serverCfg)
}
