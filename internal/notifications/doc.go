// Package notifications delivers stagehand events via pluggable notifiers.
//
// The default implementation publishes to the ntfy topic configured under
// [notifications] and degrades to a no-op when no topic is set. Events cover
// stage failures, finished pipelines, recovery sweeps, and worker kinds
// disabled by the spawn pool's breaker.
//
// Callers depend only on the Service interface.
package notifications
