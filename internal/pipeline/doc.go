// Package pipeline runs one chunk end to end.
//
// Controller.Run claims the chunk, acquires a private workspace, and drives
// the fixed stage order download, validate, compress, upload. Whatever
// happens, the workspace is released and the chunk ends COMPLETED or FAILED;
// a run never returns leaving its chunk PROCESSING.
package pipeline
