package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, the queue database, and configured binaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg)
			failed := preflight.Failed(results)

			handled, err := ctx.emit(cmd, results)
			if err != nil {
				return err
			}
			if !handled {
				colorize := shouldColorize(cmd.OutOrStdout())
				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				for _, r := range results {
					fmt.Fprintln(cmd.OutOrStdout(), renderStatusLine(r.Name, resultKind(r), r.Detail, colorize))
				}
			}
			if failed {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}
}

func resultKind(r preflight.Result) statusKind {
	switch {
	case r.Passed:
		return statusOK
	case r.Optional:
		return statusWarn
	default:
		return statusError
	}
}
