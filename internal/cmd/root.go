// Package cmd 提供 wstunnel 的命令行入口
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"wstunnel-go/internal/config"
	"wstunnel-go/internal/config/loader"
	"wstunnel-go/internal/config/schema"
	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
	"wstunnel-go/internal/version"
)

// globalBindings 全局标志 -> 配置键
var globalBindings = map[string]string{
	"log-lvl":    "log_lvl",
	"log-format": "log_format",
	"no-color":   "no_color",
}

// rootOptions 不进入配置文件的全局标志
type rootOptions struct {
	configFile string

	// nbWorkerThreads 仅为兼容保留，不生效；工作线程数由 GOMAXPROCS 在启动时决定
	nbWorkerThreads int
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wstunnel",
		Short: "Tunnel TCP/UDP/SOCKS5/HTTP/stdio/unix traffic over WebSocket or HTTP/2",
		Long: `wstunnel tunnels arbitrary traffic over a WebSocket or HTTP/2 connection.

Examples:
  wstunnel server ws://0.0.0.0:8080
  wstunnel client -L tcp://1212:google.com:443 ws://localhost:8080
  wstunnel client -R tcp://5555:localhost:22 wss://tunnel.example.com
  wstunnel --config wstunnel.yaml     run the mode set in the config file`,
		Version:       version.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			if cfg.Mode == "" {
				return cmd.Help()
			}
			return run(cmd.Context(), cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Config file path (default: ./wstunnel.yaml, $XDG_CONFIG_HOME/wstunnel/wstunnel.yaml, /etc/wstunnel/wstunnel.yaml)")
	pf.String("log-lvl", "", "Log level: TRACE, DEBUG, INFO, WARN, ERROR, OFF (env WSTUNNEL_LOG_LVL)")
	pf.String("log-format", "", "Log format: text or json")
	pf.Bool("no-color", false, "Disable colored output (env NO_COLOR)")
	pf.IntVar(&opts.nbWorkerThreads, "nb-worker-threads", 0, "Has no effect; set GOMAXPROCS to change the number of worker threads")

	rootCmd.AddCommand(newClientCommand(opts))
	rootCmd.AddCommand(newServerCommand(opts))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// Execute 执行根命令，SIGINT/SIGTERM 取消根 context
func Execute() {
	// 全局 panic recovery
	defer func() {
		if r := recover(); r != nil {
			corelog.Errorf("FATAL: main goroutine panic recovered: %v", r)
			corelog.Errorf("Stack trace:\n%s", string(debug.Stack()))
			fmt.Fprintf(os.Stderr, "\nPANIC: %v\n", r)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < 命令行 合并配置
func loadConfig(cmd *cobra.Command, opts *rootOptions, bindings map[string]string) (*schema.Root, error) {
	all := make(map[string]string, len(globalBindings)+len(bindings))
	for k, v := range globalBindings {
		all[k] = v
	}
	for k, v := range bindings {
		all[k] = v
	}
	return loader.NewLoaderBuilder().
		WithConfigFile(opts.configFile).
		WithFlags(cmd.Flags(), all).
		Build().
		Load()
}

// run 初始化日志并按 mode 启动客户端或服务端
func run(ctx context.Context, cfg *schema.Root) error {
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	switch cfg.Mode {
	case schema.ModeClient:
		return runClient(ctx, cfg)
	case schema.ModeServer:
		return runServer(ctx, cfg)
	default:
		return coreerrors.Newf(coreerrors.CodeConfigError, "unknown mode %q, expected client or server", cfg.Mode)
	}
}

// setupLogging stdio 隧道占用 stdout，此时日志写到 stderr
func setupLogging(cfg *schema.Root) (io.Closer, error) {
	output := corelog.OutputStdout
	if config.HasStdio(cfg) {
		output = corelog.OutputStderr
	}
	closer, err := corelog.Setup(corelog.Config{
		Level:   cfg.LogLvl,
		Format:  cfg.LogFormat,
		Output:  output,
		NoColor: noColor(cfg),
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeConfigError, "invalid log configuration")
	}
	return closer, nil
}

func noColor(cfg *schema.Root) bool {
	return cfg.NoColor || os.Getenv("NO_COLOR") != ""
}
