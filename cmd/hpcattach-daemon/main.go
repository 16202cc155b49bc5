package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/hpcattach/internal/daemon"
	"github.com/loykin/hpcattach/internal/logger"
)

// envDebugLogDir names the directory of --debug logs.
const envDebugLogDir = "CRAY_DBG_LOG_DIR"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var a daemon.Args
	cmd := &cobra.Command{
		Use:   "hpcattach-daemon [flags] [-- tool args]",
		Short: "Stage shipped packages on a compute node and exec a tool",
		Long: `hpcattach-daemon runs once per compute node. It extracts the packages named
with --manifest below --path, prepares <path>/<directory>/{bin,lib,tmp},
reports readiness to the frontend and execs --binary with the staged
environment. With --clean it removes the stage instead.

Examples:
  hpcattach-daemon -a 1234.0 -w slurm -p /tmp -d cti_daemonAbC123 -m cti_daemonAbC1230.tar.gz -b mytool -- -v
  hpcattach-daemon -a 1234.0 -w slurm -p /tmp -d cti_daemonAbC123 --clean`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ToolArgs = args
			b := &daemon.Backend{Args: a, Log: daemonLogger(a, os.Getenv)}
			return b.Run(cmd.Context())
		},
	}
	cmd.Flags().SetInterspersed(false)
	daemon.BindFlags(cmd.Flags(), &a)
	return cmd
}

// daemonLogger writes to a rotating file per node with --debug and
// CRAY_DBG_LOG_DIR; otherwise warnings go to stderr.
func daemonLogger(a daemon.Args, getenv func(string) string) *slog.Logger {
	if a.Debug {
		if dir := getenv(envDebugLogDir); dir != "" {
			host, _ := os.Hostname()
			lc := logger.Config{
				Slog: logger.SlogConfig{Level: logger.LevelDebug},
				File: logger.FileConfig{Dir: dir},
			}
			if l := lc.NewProcessLogger("dbglog_" + host + "." + strconv.Itoa(os.Getpid())); l != nil {
				return l.With("apid", a.APID, "inst", a.Inst)
			}
		}
	}
	lc := logger.DefaultConfig()
	lc.Slog.Level = logger.LevelWarn
	if a.Debug {
		lc.Slog.Level = logger.LevelDebug
	}
	return lc.NewSlogger()
}
