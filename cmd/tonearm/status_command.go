package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tonearm/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the cache directory, access point and CDN",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg)
			lines := make([]checkLine, 0, len(results))
			for _, r := range results {
				line := checkLine{subject: r.Name, kind: checkOK, detail: r.Detail}
				switch {
				case r.Skipped:
					line.kind = checkSkip
				case !r.Passed:
					line.kind = checkFail
				}
				lines = append(lines, line)
			}
			failed := printChecks(cmd.OutOrStdout(), lines)
			if preflight.Failed(results) {
				return fmt.Errorf("%d of %d checks failed", failed, len(results))
			}
			return nil
		},
	}
}
