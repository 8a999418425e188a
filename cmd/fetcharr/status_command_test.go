package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusRendersSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"running": true,
			"dbPath": "/var/lib/fetcharr/fetcharr.db",
			"templates": ["movie", "series"],
			"jobs": {"pending": 2, "running": 1, "failed": 0},
			"pendingApprovals": 1,
			"encodersOnline": 1,
			"encodersTotal": 2,
			"executions": 4
		}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "status")
	for _, want := range []string{
		"Fetcharr Daemon",
		"running",
		"movie, series",
		"2 pending, 1 running, 0 failed",
		"1 pending",
		"1 of 2 online",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
	if strings.Contains(output, ansiGreen) {
		t.Fatalf("expected no color codes for non-tty writer:\n%s", output)
	}
}

func TestApprovalsApproveSendsDecision(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf) //nolint:errcheck
		gotBody = string(buf)
		w.Write([]byte(`{"id":7,"status":"approved","decidedBy":"ops"}`)) //nolint:errcheck
	}))
	defer server.Close()

	output := runCommand(t, server.URL, "approvals", "approve", "7", "--by", "ops")
	if !strings.Contains(gotBody, `"decision":"approve"`) || !strings.Contains(gotBody, `"decidedBy":"ops"`) {
		t.Fatalf("unexpected request body %q", gotBody)
	}
	if !strings.Contains(output, "Approval 7 approved by ops") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}
