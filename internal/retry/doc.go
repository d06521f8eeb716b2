// Package retry implements the bounded retry-with-backoff executor shared by
// the download, compression, and upload stages.
//
// An Executor pairs a Policy (attempt budget, exponential backoff, jitter)
// with a Classifier that separates retriable failures from fatal ones. Fatal
// errors return immediately and unchanged; retriable errors are absorbed until
// the budget runs out, at which point Do returns an *ExhaustedError carrying
// the last underlying failure.
package retry
