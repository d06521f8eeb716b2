// Package preflight provides readiness checks for the filesystem paths and
// external services chunkpipe depends on.
//
// These checks run in two contexts:
//   - The worker command calls RunAll before starting the pool and refuses to
//     start when a check fails, so chunks are not claimed only to fail.
//   - The CLI "chunkpipe preflight" command renders every result as a table.
//
// Checks never mutate state beyond opening and closing the status store.
package preflight
