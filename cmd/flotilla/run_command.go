package main

import (
	"errors"

	"github.com/spf13/cobra"
)

type runOptions struct {
	manifestPath string
	failFast     bool
	bestEffort   bool
	jsonOutput   bool
	showHistory  bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Execute a workflow manifest to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.failFast && opts.bestEffort {
				return errors.New("--fail-fast and --best-effort are mutually exclusive")
			}
			opts.manifestPath = args[0]
			return runWorkflow(cmd, ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "Stop each pipeline at its first failed stage")
	cmd.Flags().BoolVar(&opts.bestEffort, "best-effort", false, "Keep running remaining stages after failures")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Emit the final report as JSON")
	cmd.Flags().BoolVar(&opts.showHistory, "show-history", false, "Include state history in the final report")

	return cmd
}
