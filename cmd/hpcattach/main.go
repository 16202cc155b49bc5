package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/hpcattach"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath    string
	MetricsListen string
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "hpcattach",
		Short: "Inspect workload managers, jobs and staging state",
		Long: `hpcattach reports what the tool-attach library sees on this machine.

Examples:
  hpcattach detect
  hpcattach proctable 1234.0
  hpcattach gc --config /etc/hpcattach.toml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if g.MetricsListen == "" {
				return nil
			}
			go func() {
				if err := hpcattach.ServeMetrics(g.MetricsListen); err != nil {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "metrics:", err)
				}
			}()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&g.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	c := command{flags: g}
	root.AddCommand(
		createDetectCommand(c),
		createGCCommand(c),
		createProcTableCommand(c),
		createVersionCommand(c),
	)
	return root
}
