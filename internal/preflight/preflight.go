package preflight

import (
	"context"

	"chunkpipe/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Workspace root", cfg.Paths.WorkspaceRoot),
		CheckFreeDisk("Workspace free space", cfg.Paths.WorkspaceRoot, cfg.Workflow.MinFreeDisk),
	}
	if cfg.Dedupe.Action == config.ActionQuarantine || cfg.Validation.Action == config.ActionQuarantine {
		results = append(results, CheckDirectoryAccess("Quarantine directory", cfg.Paths.QuarantineDir))
	}
	results = append(results,
		CheckCrawler(cfg.Crawler),
		CheckBlobTarget(ctx, cfg.Blob),
		CheckStore(ctx, cfg),
	)
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
