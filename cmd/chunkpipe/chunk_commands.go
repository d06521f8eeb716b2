package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/spf13/cobra"

	"chunkpipe/internal/config"
	"chunkpipe/internal/httpapi"
	"chunkpipe/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var keyword string
	var taskID string
	var meta []string

	cmd := &cobra.Command{
		Use:   "enqueue [chunk-id]",
		Short: "Create a PENDING chunk for the worker pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = strings.TrimSpace(args[0])
			}
			if id == "" {
				id = "chunk-" + shortuuid.New()
			}
			metadata, err := buildMetadata(keyword, meta)
			if err != nil {
				return err
			}
			if strings.TrimSpace(taskID) == "" {
				taskID = shortuuid.New()
			}
			return ctx.withStore(commandCtx(cmd), func(_ *config.Config, repo queue.Repository) error {
				chunk, err := repo.Create(commandCtx(cmd), queue.NewChunk{ID: id, TaskID: taskID, Metadata: metadata})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (task %s)\n", chunk.ID, chunk.TaskID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&keyword, "keyword", "k", "", "Search keyword for the crawler")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Dispatch task identifier (generated when empty)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Extra metadata as key=value (repeatable)")
	return cmd
}

// buildMetadata merges --meta pairs with the keyword. Values that parse as
// integers are stored as numbers.
func buildMetadata(keyword string, pairs []string) (map[string]any, error) {
	metadata := make(map[string]any, len(pairs)+1)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q (want key=value)", pair)
		}
		if n, err := strconv.Atoi(value); err == nil {
			metadata[key] = n
			continue
		}
		metadata[key] = value
	}
	if k := strings.TrimSpace(keyword); k != "" {
		metadata["keyword"] = k
	}
	return metadata, nil
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chunks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusFlags)
			if err != nil {
				return err
			}
			return ctx.withStore(commandCtx(cmd), func(_ *config.Config, repo queue.Repository) error {
				chunks, err := repo.List(commandCtx(cmd), statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					views := make([]httpapi.ChunkView, 0, len(chunks))
					for _, c := range chunks {
						views = append(views, httpapi.NewChunkView(c))
					}
					return writeJSON(cmd, views)
				}
				if len(chunks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No chunks")
					return nil
				}
				rows := make([][]string, 0, len(chunks))
				for _, c := range chunks {
					rows = append(rows, []string{
						c.ID,
						statusLabel(c.Status),
						phaseLabel(c.Phase),
						dash(c.Keyword),
						strconv.Itoa(c.Counts.ValidRemaining),
						formatTimestamp(&c.UpdatedAt),
						dash(truncate(c.ErrorMessage, 60)),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Phase", "Keyword", "Valid", "Updated", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&statusFlags, "status", "s", nil, "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func parseStatuses(values []string) ([]queue.Status, error) {
	var statuses []queue.Status
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <chunk-id>",
		Short: "Show one chunk in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(commandCtx(cmd), func(_ *config.Config, repo queue.Repository) error {
				chunk, err := repo.Get(commandCtx(cmd), args[0])
				if err != nil {
					return err
				}
				if chunk == nil {
					return fmt.Errorf("chunk %s not found", args[0])
				}
				if asJSON {
					return writeJSON(cmd, httpapi.NewChunkView(chunk))
				}
				renderChunk(cmd, chunk)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func renderChunk(cmd *cobra.Command, c *queue.Chunk) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	fmt.Fprintf(out, "Chunk %s\n", c.ID)
	fmt.Fprintln(out, renderStatusLine("Status", statusKindFor(c.Status), statusLabel(c.Status), colorize))
	fmt.Fprintln(out, renderStatusLine("Phase", statusInfo, phaseLabel(c.Phase), colorize))
	fmt.Fprintln(out, renderStatusLine("Keyword", statusInfo, dash(c.Keyword), colorize))
	fmt.Fprintln(out, renderStatusLine("Task", statusInfo, dash(c.TaskID), colorize))
	fmt.Fprintln(out, renderStatusLine("Owner", statusInfo, dash(c.Owner), colorize))
	fmt.Fprintln(out, renderStatusLine("Created", statusInfo, formatTimestamp(&c.CreatedAt), colorize))
	fmt.Fprintln(out, renderStatusLine("Started", statusInfo, formatTimestamp(c.StartedAt), colorize))
	fmt.Fprintln(out, renderStatusLine("Finished", statusInfo, formatTimestamp(c.FinishedAt), colorize))
	fmt.Fprintln(out, renderStatusLine("Last heartbeat", statusInfo, formatTimestamp(c.LastHeartbeat), colorize))
	if c.Status.IsTerminal() || c.Counts.Downloaded > 0 {
		fmt.Fprintln(out, renderStatusLine("Images", statusInfo, formatCounts(c.Counts), colorize))
	}
	if len(c.Attempts) > 0 {
		stages := make([]string, 0, len(c.Attempts))
		for stage := range c.Attempts {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		parts := make([]string, 0, len(stages))
		for _, stage := range stages {
			parts = append(parts, fmt.Sprintf("%s=%d", stage, c.Attempts[stage]))
		}
		fmt.Fprintln(out, renderStatusLine("Attempts", statusInfo, strings.Join(parts, " "), colorize))
	}
	if c.ResultURL != "" {
		fmt.Fprintln(out, renderStatusLine("Result", statusOK, c.ResultURL, colorize))
	}
	if c.Artifact.SHA256 != "" {
		detail := fmt.Sprintf("%d entries, %d bytes, sha256 %s", c.Artifact.Entries, c.Artifact.Bytes, c.Artifact.SHA256)
		fmt.Fprintln(out, renderStatusLine("Artifact", statusInfo, detail, colorize))
	}
	if c.ErrorMessage != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, c.ErrorMessage, colorize))
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show chunk counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(commandCtx(cmd), func(_ *config.Config, repo queue.Repository) error {
				stats, err := repo.Stats(commandCtx(cmd))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, httpapi.NewStatsView(stats))
				}
				rows := make([][]string, 0, len(stats)+1)
				total := 0
				for _, status := range queue.AllStatuses() {
					rows = append(rows, []string{statusLabel(status), strconv.Itoa(stats[status])})
					total += stats[status]
				}
				rows = append(rows, []string{"Total", strconv.Itoa(total)})
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <chunk-id>",
		Short: "Resubmit a FAILED chunk as a new PENDING chunk",
		Long: "Failed records are kept for audit. Retry copies the keyword and metadata\n" +
			"into a new chunk whose id is the original id plus a short suffix.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(commandCtx(cmd), func(_ *config.Config, repo queue.Repository) error {
				original, err := repo.Get(commandCtx(cmd), args[0])
				if err != nil {
					return err
				}
				if original == nil {
					return fmt.Errorf("chunk %s not found", args[0])
				}
				if original.Status != queue.StatusFailed {
					return fmt.Errorf("chunk %s is %s; only FAILED chunks can be retried", original.ID, original.Status)
				}
				retried, err := repo.Create(commandCtx(cmd), retryChunk(original))
				if err != nil {
					if errors.Is(err, queue.ErrDuplicateChunk) {
						return fmt.Errorf("retry id collision for %s; run retry again", original.ID)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s as %s\n", original.ID, retried.ID)
				return nil
			})
		},
	}
}

func retryChunk(original *queue.Chunk) queue.NewChunk {
	metadata := make(map[string]any, len(original.Metadata)+1)
	for k, v := range original.Metadata {
		metadata[k] = v
	}
	delete(metadata, "task_id")
	metadata["retry_of"] = original.ID
	suffix := shortuuid.New()[:6]
	return queue.NewChunk{
		ID:       original.ID + "-" + suffix,
		TaskID:   shortuuid.New(),
		Metadata: metadata,
	}
}
