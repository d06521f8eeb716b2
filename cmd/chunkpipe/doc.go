// Package main hosts the chunkpipe CLI entrypoint and command graph.
//
// The Cobra command tree covers three kinds of work: running chunks (run,
// worker), inspecting and repairing the status store (enqueue, list, show,
// stats, retry, serve), and operator housekeeping (workspace, preflight,
// notify, config). Configuration resolution, logger construction and store
// access live in commandContext so subcommands stay small.
//
// Add behaviour to the internal packages first and surface it here.
package main
