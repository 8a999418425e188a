package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCommand(t *testing.T, serverURL string, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--server", serverURL, "--token", "t"))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestQueueListRendersTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queue" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"jobs":[{"id":"job-1","type":"encode","status":"running","progress":0.5,"requestId":"req-1","createdAt":"2026-08-29T10:00:00Z","updatedAt":"2026-08-29T10:05:00Z"}]}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "queue", "list")
	if !strings.Contains(output, "job-1") || !strings.Contains(output, "running") {
		t.Fatalf("expected job row in output, got:\n%s", output)
	}
	if !strings.Contains(output, "50%") {
		t.Fatalf("expected rendered progress, got:\n%s", output)
	}
}

func TestQueueListJSONOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobs":[{"id":"job-2","type":"encode","status":"pending"}]}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "queue", "list", "--json")
	var jobs []jobView
	if err := json.Unmarshal([]byte(output), &jobs); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", output, err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-2" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestQueueListEmptyMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobs":[]}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "queue", "list")
	if !strings.Contains(output, "Queue is empty") {
		t.Fatalf("expected empty-queue message, got:\n%s", output)
	}
}

func TestQueueRetryPostsPerJob(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{"id":"job-3","status":"pending"}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "queue", "retry", "job-3")
	if len(paths) != 1 || paths[0] != "POST /api/queue/job-3/retry" {
		t.Fatalf("unexpected requests %v", paths)
	}
	if !strings.Contains(output, "returned to queue") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}

func TestQueueClearSendsDelete(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery
		w.Write([]byte(`{"removed":3}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "queue", "clear", "--failed")
	if got != "DELETE /api/queue?status=failed" {
		t.Fatalf("unexpected request %q", got)
	}
	if !strings.Contains(output, "Cleared 3 failed jobs") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}

func TestStatusFilterPassesQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"jobs":[]}`)) //nolint:errcheck
	}))
	defer server.Close()

	runCommand(t, server.URL, "queue", "list", "--status", "failed")
	if gotQuery != "status=failed" {
		t.Fatalf("expected status filter, got %q", gotQuery)
	}
}
