package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"chunkpipe/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, disk space, crawler, blob target and status store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(commandCtx(cmd), cfg)

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				state := "OK"
				if !r.Passed {
					state = "FAIL"
				}
				rows = append(rows, []string{r.Name, state, r.Detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Result", "Detail"}, rows, nil))

			if failed := preflight.Failed(results); len(failed) > 0 {
				return errors.New(fmt.Sprint(len(failed), " preflight check(s) failed"))
			}
			return nil
		},
	}
}
