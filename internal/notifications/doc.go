// Package notifications delivers pipeline events via ntfy push.
//
// The default implementation publishes to the topic configured in config.toml
// and gracefully degrades to a no-op when no topic is set. Per-category
// toggles suppress event groups an operator does not care about. Enumerated
// event types cover the request lifecycle, approval gates, and encoder
// health so callers emit consistent messages without duplicating HTTP glue.
//
// The StepNotifier adapter exposes the service as the step handlers' Notifier
// capability so templates can publish from inside a pipeline.
package notifications
