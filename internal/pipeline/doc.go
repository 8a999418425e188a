// Package pipeline executes tree-structured step templates for media
// requests. Templates are validated at load time, progress is persisted per
// node, and executions resume from the store after a restart. Fan-out steps
// spawn branch executions that complete independently of their parent.
package pipeline
