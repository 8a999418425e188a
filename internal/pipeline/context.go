package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ExecContext is the namespaced output map of one execution. Each step writes
// under its own namespace only; any step may read ancestor namespaces. The
// map is append-only per namespace so a later step can never clobber an
// earlier step's output.
type ExecContext struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]any
}

// NewExecContext returns an empty context.
func NewExecContext() *ExecContext {
	return &ExecContext{namespaces: make(map[string]map[string]any)}
}

// LoadExecContext reconstructs a context from its persisted JSON form.
func LoadExecContext(raw string) (*ExecContext, error) {
	ec := NewExecContext()
	if raw == "" {
		return ec, nil
	}
	if err := json.Unmarshal([]byte(raw), &ec.namespaces); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	if ec.namespaces == nil {
		ec.namespaces = make(map[string]map[string]any)
	}
	return ec, nil
}

// Namespace returns a copy of one step's output and whether it exists.
func (ec *ExecContext) Namespace(name string) (map[string]any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	ns, ok := ec.namespaces[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(ns))
	for k, v := range ns {
		out[k] = v
	}
	return out, true
}

// Value reads a single key from a namespace.
func (ec *ExecContext) Value(namespace, key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	ns, ok := ec.namespaces[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// SetNamespace records a step's output. Appending new keys to an existing
// namespace is allowed; changing a key that is already present is a
// cross-write and rejected.
func (ec *ExecContext) SetNamespace(name string, output map[string]any) error {
	if name == "" {
		return fmt.Errorf("namespace name is empty")
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ns, ok := ec.namespaces[name]
	if !ok {
		ns = make(map[string]any, len(output))
		ec.namespaces[name] = ns
	}
	for k, v := range output {
		if existing, present := ns[k]; present && !equalValues(existing, v) {
			return fmt.Errorf("namespace %q: key %q is already set", name, k)
		}
		ns[k] = v
	}
	return nil
}

// Namespaces lists populated namespace names in sorted order.
func (ec *ExecContext) Namespaces() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	names := make([]string, 0, len(ec.namespaces))
	for name := range ec.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal serializes the context for persistence.
func (ec *ExecContext) Marshal() (string, error) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	data, err := json.Marshal(ec.namespaces)
	if err != nil {
		return "", fmt.Errorf("marshal execution context: %w", err)
	}
	return string(data), nil
}

func equalValues(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
