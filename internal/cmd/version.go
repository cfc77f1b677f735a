package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"wstunnel-go/internal/version"
)

// newVersionCommand 显示版本信息
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wstunnel %s\n", version.GetVersion())
			fmt.Fprintf(out, "go %s %s/%s, GOMAXPROCS=%d\n", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.GOMAXPROCS(0))
		},
	}
}
