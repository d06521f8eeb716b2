// Package notifications publishes chunk outcomes to ntfy.
//
// A noop implementation is returned when no topic is configured, so callers
// never need to check whether notifications are enabled.
package notifications
