package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/hpcattach"
	"github.com/loykin/hpcattach/internal/config"
	"github.com/loykin/hpcattach/internal/staging"
	"github.com/loykin/hpcattach/internal/wlm"
)

// command carries what the subcommands share.
type command struct {
	flags *GlobalFlags
}

func (c command) config() (*config.Config, error) {
	return config.Load(c.flags.ConfigPath, nil)
}

func createDetectCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the workload manager in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			log := cfg.Log.NewSloggerTo(cmd.ErrOrStderr())
			var v wlm.Variant
			if cfg.WLM != "" {
				v, err = wlm.ParseVariant(cfg.WLM)
			} else {
				v, err = wlm.Detect(log)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v.String())
			return err
		},
	}
}

func createGCCommand(c command) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove staging directories left by dead frontends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			getenv, err := cfg.Getenv()
			if err != nil {
				return err
			}
			area, err := staging.Open(staging.Config{
				Root:   cfg.Staging.Root,
				Grace:  cfg.Staging.Grace,
				Getenv: getenv,
				Logger: cfg.Log.NewSloggerTo(cmd.ErrOrStderr()),
			})
			if err != nil {
				return err
			}
			if dryRun {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), area.Path())
				return err
			}
			removed, err := area.GC(cmd.Context())
			for _, p := range removed {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the staging area")
	return cmd
}

func createProcTableCommand(c command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "proctable <job-id>",
		Short: "Attach to a running job and print its rank layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			f, err := hpcattach.New(ctx, hpcattach.Options{Config: cfg, Logger: cfg.Log.NewSloggerTo(cmd.ErrOrStderr())})
			if err != nil {
				return err
			}
			defer func() { _ = f.Close(ctx) }()
			job, err := f.Attach(ctx, args[0])
			if err != nil {
				return err
			}
			pt, err := f.ProcTable(ctx, job)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), pt, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printTable(w io.Writer, pt *hpcattach.ProcTable, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pt.Entries())
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RANK\tHOST\tPID\tEXECUTABLE")
	for _, e := range pt.Entries() {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", e.Rank, e.Host, e.PID, e.Executable)
	}
	return tw.Flush()
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and the shipped daemon name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "hpcattach %s (daemon %s)\n", version, cfg.DaemonName())
			return err
		},
	}
}
