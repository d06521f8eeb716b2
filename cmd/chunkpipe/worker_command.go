package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chunkpipe/internal/config"
	"chunkpipe/internal/httpapi"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/pipeline"
	"chunkpipe/internal/preflight"
	"chunkpipe/internal/queue"
	"chunkpipe/internal/workflow"
	"chunkpipe/internal/workspace"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var drain bool
	var serve bool
	var skipPreflight bool
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool against PENDING chunks",
		Long: "Starts the configured number of workers. Each claims the oldest PENDING\n" +
			"chunk and runs it to a terminal status. With --drain the command exits\n" +
			"once the queue is empty; otherwise it runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(commandCtx(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workflow.Workers = workers
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			if !skipPreflight {
				out := cmd.OutOrStdout()
				if failed := preflight.Failed(preflight.RunAll(runCtx, cfg)); len(failed) > 0 {
					colorize := shouldColorize(out)
					for _, r := range failed {
						fmt.Fprintln(out, renderStatusLine(r.Name, statusError, r.Detail, colorize))
					}
					return errors.New("preflight checks failed; fix them or pass --skip-preflight")
				}
			}

			return ctx.withStore(runCtx, func(cfg *config.Config, repo queue.Repository) error {
				controller, err := pipeline.NewFromConfig(cfg, repo, logger, pipeline.Options{})
				if err != nil {
					return err
				}
				workspaces := workspace.NewManager(cfg.Paths.WorkspaceRoot, logger)
				manager := workflow.NewManager(cfg, repo, controller, workspaces, nil, logger)

				if drain {
					completed, failed, err := manager.Drain(runCtx)
					fmt.Fprintf(cmd.OutOrStdout(), "Drained queue: %d completed, %d failed\n", completed, failed)
					return err
				}

				if serve {
					server, err := httpapi.NewServer(cfg, repo, manager, logger)
					if err != nil {
						return err
					}
					if err := server.Start(runCtx); err != nil {
						return err
					}
					defer server.Stop()
				}
				if err := manager.Start(runCtx); err != nil {
					return err
				}
				<-runCtx.Done()
				logger.Info("shutting down worker pool", logging.String(logging.FieldEventType, "workers_stopping"))
				manager.Stop()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "Exit once no PENDING chunks remain")
	cmd.Flags().BoolVar(&serve, "serve", false, "Also serve the status API on paths.api_bind")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Start without running preflight checks")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Override workflow.workers")
	return cmd
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(commandCtx(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withStore(runCtx, func(cfg *config.Config, repo queue.Repository) error {
				server, err := httpapi.NewServer(cfg, repo, nil, logger)
				if err != nil {
					return err
				}
				if err := server.Start(runCtx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Status API listening on http://%s\n", server.Addr())
				<-runCtx.Done()
				server.Stop()
				return nil
			})
		},
	}
}
