// Package daemon composes the fetcharr runtime: store, pipeline executor,
// job queue, encoder coordinator, reconciler, scheduler, and the HTTP/WebSocket
// API. It enforces single-instance execution via a file lock and owns the
// lifecycle ordering of every component.
package daemon
