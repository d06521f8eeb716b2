// Package workflow runs the local worker pool that drains PENDING chunks.
//
// The Manager starts a configurable number of workers. Each worker polls the
// repository for the oldest PENDING chunk and hands it to a Runner (normally
// the pipeline Controller). Claim races between workers, or between several
// worker processes sharing one repository, are settled by the repository's
// compare-and-set; a lost claim is skipped quietly.
//
// A reaper loop fails PROCESSING chunks whose heartbeat has expired so a
// crashed worker never leaves a chunk stuck. Stale workspaces are swept once
// when the pool starts, and a summary notification is sent when it stops.
package workflow
