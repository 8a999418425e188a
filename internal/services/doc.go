// Package services defines the shared error taxonomy used by pipeline steps,
// the job queue, and the encoder coordinator.
//
// Errors are tagged with sentinel markers so callers can classify failures
// (configuration vs transient vs terminal) without string matching. Wrap is
// the single construction point; Details recovers the classification later.
package services
