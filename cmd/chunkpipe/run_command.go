package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"chunkpipe/internal/config"
	"chunkpipe/internal/pipeline"
	"chunkpipe/internal/queue"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var keyword string
	var taskID string
	var meta []string

	cmd := &cobra.Command{
		Use:   "run <chunk-id>",
		Short: "Execute one chunk in the foreground",
		Long: "Runs the full pipeline for a chunk. A chunk that does not exist yet is\n" +
			"created from --keyword and --meta first; an existing PENDING chunk runs\n" +
			"with its stored metadata, overridden by any flags given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(commandCtx(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			flagMetadata, err := buildMetadata(keyword, meta)
			if err != nil {
				return err
			}
			chunkID := strings.TrimSpace(args[0])

			return ctx.withStore(runCtx, func(cfg *config.Config, repo queue.Repository) error {
				chunk, err := repo.Get(runCtx, chunkID)
				if err != nil {
					return err
				}
				if chunk == nil {
					chunk, err = repo.Create(runCtx, queue.NewChunk{ID: chunkID, TaskID: strings.TrimSpace(taskID), Metadata: flagMetadata})
					if err != nil {
						return err
					}
				}

				metadata := make(map[string]any, len(chunk.Metadata)+len(flagMetadata)+1)
				for k, v := range chunk.Metadata {
					metadata[k] = v
				}
				for k, v := range flagMetadata {
					metadata[k] = v
				}
				if id := strings.TrimSpace(taskID); id != "" {
					metadata["task_id"] = id
				} else if chunk.TaskID != "" {
					metadata["task_id"] = chunk.TaskID
				}

				controller, err := pipeline.NewFromConfig(cfg, repo, logger, pipeline.Options{})
				if err != nil {
					return err
				}
				result, runErr := controller.Run(runCtx, chunkID, metadata)
				out := cmd.OutOrStdout()
				switch result.Status {
				case queue.StatusCompleted:
					fmt.Fprintf(out, "Chunk %s completed: %s\n", chunkID, result.URL)
					if result.Outcome != nil {
						fmt.Fprintf(out, "Images: %s\n", formatCounts(result.Outcome.Counts()))
					}
				case queue.StatusFailed:
					fmt.Fprintf(out, "Chunk %s failed\n", chunkID)
				}
				return runErr
			})
		},
	}

	cmd.Flags().StringVarP(&keyword, "keyword", "k", "", "Search keyword for the crawler")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Dispatch task identifier for log correlation")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Extra metadata as key=value (repeatable)")
	return cmd
}
