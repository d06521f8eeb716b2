// Package stage adapts the external collaborators (crawler, archiver, blob
// store) into pipeline stages. Each stage owns a retry.Executor with its own
// budget and classifier, so transient failures are absorbed here and only
// fatal or exhausted errors reach the controller.
package stage
