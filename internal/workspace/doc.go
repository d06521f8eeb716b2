// Package workspace provides exclusively owned scratch directories for chunk
// executions.
//
// Acquire creates <root>/<chunk>-<suffix> and holds an flock on a lock file
// inside it for the lifetime of the execution. Release removes the directory
// and is safe to call more than once; With binds a workspace to a function
// call so release fires on every exit path, panics included. Sweep reclaims
// directories abandoned by crashed workers while skipping any whose lock is
// still held.
package workspace
