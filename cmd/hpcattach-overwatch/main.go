package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/hpcattach/internal/logger"
	"github.com/loykin/hpcattach/internal/overwatch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	Grace time.Duration
	Debug bool
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "hpcattach-overwatch",
		Short: "Terminate registered helper processes when the frontend goes away",
		Long: `hpcattach-overwatch reads control frames on stdin and answers on stdout.
Process groups registered through it are terminated on Shutdown, on EOF
(the frontend died) or on SIGTERM: SIGTERM first, SIGKILL after --grace.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lc := logger.DefaultConfig()
			if f.Debug {
				lc.Slog.Level = logger.LevelDebug
			}
			return overwatch.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), overwatch.Config{
				Grace:  f.Grace,
				Logger: lc.NewSloggerTo(cmd.ErrOrStderr()).With("component", "overwatch", "pid", os.Getpid()),
			})
		},
	}
	cmd.Flags().DurationVar(&f.Grace, "grace", overwatch.DefaultGrace, "wait between SIGTERM and SIGKILL")
	cmd.Flags().BoolVar(&f.Debug, "debug", false, "log at debug level")
	return cmd
}
