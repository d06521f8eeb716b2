// Package services defines shared utilities consumed by the pipeline stages and
// external collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, chunk IDs, and pipeline phases so
//     every log line can be correlated per chunk.
//   - Structured error markers plus the Wrap helper that translate failures
//     into a stable error taxonomy (configuration, transient network,
//     filesystem, validation exhaustion, retry exhaustion, timeout).
//   - Retry classifiers that decide whether a failure is worth another attempt.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
