package main

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"chunkpipe/internal/workspace"
)

func newWorkspaceCommand(ctx *commandContext) *cobra.Command {
	workspaceCmd := &cobra.Command{
		Use:   "workspace",
		Short: "Inspect and clean per-chunk workspaces",
	}
	workspaceCmd.AddCommand(newWorkspaceListCommand(ctx))
	workspaceCmd.AddCommand(newWorkspaceCleanCommand(ctx))
	return workspaceCmd
}

func newWorkspaceListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspace directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dirs, err := workspace.NewManager(cfg.Paths.WorkspaceRoot, nil).List()
			if err != nil {
				return fmt.Errorf("list workspaces: %w", err)
			}
			if len(dirs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workspaces")
				return nil
			}
			rows := make([][]string, 0, len(dirs))
			for _, d := range dirs {
				rows = append(rows, []string{
					d.Name,
					time.Since(d.ModTime).Round(time.Second).String(),
					datasize.ByteSize(d.Size).HR(),
					yesNo(d.Active),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Workspace", "Age", "Size", "Active"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newWorkspaceCleanCommand(ctx *commandContext) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale workspaces whose lock is not held",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			age := maxAge
			if !cmd.Flags().Changed("max-age") {
				age = cfg.Workflow.StaleWorkspaceAge()
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			result := workspace.NewManager(cfg.Paths.WorkspaceRoot, logger).Sweep(commandCtx(cmd), age)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Removed %d, skipped %d active, %d errors\n", len(result.Removed), len(result.Skipped), len(result.Errors))
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  %s: %v\n", e.Path, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove workspaces older than this (default workflow.stale_workspace_hours)")
	return cmd
}
