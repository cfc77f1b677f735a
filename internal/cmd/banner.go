package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"wstunnel-go/internal/config/schema"
	"wstunnel-go/internal/server"
	"wstunnel-go/internal/transport"
	"wstunnel-go/internal/version"
)

const (
	bannerWidth = 60
)

var (
	bannerCyan  = color.New(color.FgCyan).SprintFunc()
	bannerBold  = color.New(color.Bold).SprintFunc()
	bannerGreen = color.New(color.FgGreen).SprintFunc()
	bannerFaint = color.New(color.Faint).SprintFunc()
)

// displayStartupBanner 终端上显示服务端启动信息
func displayStartupBanner(cfg *schema.Root, serverCfg server.Config) {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return
	}
	if noColor(cfg) {
		color.NoColor = true
	}
	writeBanner(os.Stderr, cfg, serverCfg)
}

func writeBanner(w io.Writer, cfg *schema.Root, serverCfg server.Config) {
	s := &cfg.Server
	line := bannerFaint("  " + strings.Repeat("━", bannerWidth))

	fmt.Fprintln(w)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  %s %s\n", bannerBold(bannerCyan("wstunnel server")), bannerFaint(version.GetVersion()))
	fmt.Fprintln(w, line)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Listen:"), serverCfg.Listen.String())

	transportName := "WebSocket"
	if transport.IsHTTP2Scheme(serverCfg.Listen.Scheme) {
		transportName = "HTTP/2"
	}
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Transport:"), transportName)

	tlsStatus := bannerFaint("✗ Disabled")
	if serverCfg.TLS != nil {
		switch {
		case serverCfg.TLS.MutualTLS():
			tlsStatus = bannerGreen("✓ mTLS")
		case s.TLSCertificate == "":
			tlsStatus = bannerGreen("✓ Enabled") + " " + bannerFaint("(self-signed)")
		default:
			tlsStatus = bannerGreen("✓ Enabled")
		}
	}
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("TLS:"), tlsStatus)

	restrictions := bannerFaint("none")
	switch {
	case s.RestrictConfig != "":
		restrictions = s.RestrictConfig + " " + bannerFaint("(reloaded on change)")
	case len(s.RestrictTo) > 0 || len(s.RestrictHTTPUpgradePathPrefix) > 0:
		var parts []string
		if len(s.RestrictTo) > 0 {
			parts = append(parts, "to "+strings.Join(s.RestrictTo, ", "))
		}
		if len(s.RestrictHTTPUpgradePathPrefix) > 0 {
			parts = append(parts, "prefix "+strings.Join(s.RestrictHTTPUpgradePathPrefix, ", "))
		}
		restrictions = strings.Join(parts, "; ")
	}
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Restrictions:"), restrictions)

	ping := bannerFaint("disabled")
	if serverCfg.PingFrequency > 0 {
		ping = serverCfg.PingFrequency.String()
	}
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Ping:"), ping)
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Reverse idle:"), serverCfg.ReverseIdleTimeout.String())

	fmt.Fprintln(w)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w)
}
