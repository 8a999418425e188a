package testsupport

import (
	"context"
	"testing"

	"fetcharr/internal/config"
	"fetcharr/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewExecution creates a pipeline execution for tests using the provided store.
func NewExecution(t testing.TB, st *store.Store, requestID, templateID string) *store.Execution {
	t.Helper()

	exec, err := st.NewExecution(context.Background(), requestID, templateID, "", "")
	if err != nil {
		t.Fatalf("store.NewExecution: %v", err)
	}
	return exec
}

// MustEnqueue inserts a job for tests and fails on error or dedupe suppression.
func MustEnqueue(t testing.TB, st *store.Store, spec store.JobSpec) *store.Job {
	t.Helper()

	job, inserted, err := st.InsertJobIfAbsent(context.Background(), spec)
	if err != nil {
		t.Fatalf("store.InsertJobIfAbsent: %v", err)
	}
	if !inserted {
		t.Fatalf("job with dedupe key %q already active", spec.DedupeKey)
	}
	return job
}
