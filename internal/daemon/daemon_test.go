package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
	"fetcharr/internal/testsupport"
)

const gatedTemplate = `{
  "id": "flow",
  "root": {
    "type": "approval",
    "name": "gate",
    "required": true,
    "config": {"autoAction": "none"},
    "children": [
      {"type": "notification", "name": "notify"}
    ]
  }
}`

const notifyTemplate = `{
  "id": "simple",
  "root": {"type": "notification", "name": "notify"}
}`

func newTestDaemon(t *testing.T, templates map[string]string) (*Daemon, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.TemplateDir = filepath.Join(testsupport.BaseDir(cfg), "templates")
	if err := os.MkdirAll(cfg.Workflow.TemplateDir, 0o755); err != nil {
		t.Fatalf("mkdir template dir: %v", err)
	}
	for name, body := range templates {
		path := filepath.Join(cfg.Workflow.TemplateDir, name+".json")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}

	st := testsupport.MustOpenStore(t, cfg)
	d, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, cfg
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func apiRequest(t *testing.T, d *Daemon, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := d.TestHandler().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestNewLoadsTemplates(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"flow": gatedTemplate, "simple": notifyTemplate})

	status, err := d.StatusSnapshot(context.Background())
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if len(status.Templates) != 2 {
		t.Fatalf("expected 2 templates, got %v", status.Templates)
	}
}

func TestStartRequestValidatesInput(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"simple": notifyTemplate})

	if _, err := d.StartRequest(context.Background(), "", "simple"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty request id, got %v", err)
	}
	if _, err := d.StartRequest(context.Background(), "req-1", "nope"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown template, got %v", err)
	}
}

func TestStartRequestRunsToCompletion(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"simple": notifyTemplate})

	exec, err := d.StartRequest(context.Background(), "req-1", "simple")
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	waitFor(t, "execution to complete", func() bool {
		current, err := d.store.GetExecution(context.Background(), exec.ID)
		return err == nil && current.Status == store.ExecutionCompleted
	})
}

func TestAPIAuthRejectsMissingToken(t *testing.T) {
	d, cfg := newTestDaemon(t, map[string]string{"simple": notifyTemplate})
	cfg.Paths.APIToken = "secret"
	d.api = newAPIServer(d, nil)

	resp := apiRequest(t, d, http.MethodGet, "/api/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = apiRequest(t, d, http.MethodGet, "/api/status", "secret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIStartRequestAndApprovalFlow(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"flow": gatedTemplate})

	resp := apiRequest(t, d, http.MethodPost, "/api/requests", "",
		map[string]string{"requestId": "req-7", "templateId": "flow"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created executionView
	decodeBody(t, resp, &created)
	if created.RequestID != "req-7" {
		t.Fatalf("unexpected execution %+v", created)
	}

	waitFor(t, "approval gate", func() bool {
		waiting, err := d.store.WaitingApprovalSteps(context.Background(), created.ID)
		return err == nil && len(waiting) > 0
	})

	resp = apiRequest(t, d, http.MethodGet, "/api/approvals", "", nil)
	var listing struct {
		Approvals []approvalView `json:"approvals"`
	}
	decodeBody(t, resp, &listing)
	if len(listing.Approvals) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(listing.Approvals))
	}

	decisionPath := fmt.Sprintf("/api/approvals/%d/decision", listing.Approvals[0].ID)
	resp = apiRequest(t, d, http.MethodPost, decisionPath, "",
		map[string]string{"decision": "approve", "decidedBy": "ops"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 deciding approval, got %d", resp.StatusCode)
	}
	var decided approvalView
	decodeBody(t, resp, &decided)
	if decided.Status != string(store.ApprovalApproved) {
		t.Fatalf("expected approved status, got %s", decided.Status)
	}

	waitFor(t, "execution to complete after approval", func() bool {
		current, err := d.store.GetExecution(context.Background(), created.ID)
		return err == nil && current.Status == store.ExecutionCompleted
	})

	resp = apiRequest(t, d, http.MethodPost, decisionPath, "",
		map[string]string{"decision": "approve", "decidedBy": "ops"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second decision, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIQueueEndpoints(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"simple": notifyTemplate})

	job := testsupport.MustEnqueue(t, d.store, store.JobSpec{
		Type:        "encode",
		PayloadJSON: `{}`,
		DedupeKey:   "encode:test:1",
	})

	resp := apiRequest(t, d, http.MethodGet, "/api/queue", "", nil)
	var listing struct {
		Jobs []jobView `json:"jobs"`
	}
	decodeBody(t, resp, &listing)
	if len(listing.Jobs) != 1 || listing.Jobs[0].ID != job.ID {
		t.Fatalf("unexpected queue listing %+v", listing.Jobs)
	}

	resp = apiRequest(t, d, http.MethodPost, "/api/queue/"+job.ID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 cancelling job, got %d", resp.StatusCode)
	}
	var cancelled jobView
	decodeBody(t, resp, &cancelled)
	if cancelled.Status != string(store.JobCancelled) {
		t.Fatalf("expected cancelled job, got %s", cancelled.Status)
	}

	resp = apiRequest(t, d, http.MethodGet, "/api/queue?status=bogus", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = apiRequest(t, d, http.MethodDelete, "/api/queue?status=cancelled", "", nil)
	var cleared struct {
		Removed int64 `json:"removed"`
	}
	decodeBody(t, resp, &cleared)
	if cleared.Removed != 1 {
		t.Fatalf("expected 1 cleared job, got %d", cleared.Removed)
	}

	resp = apiRequest(t, d, http.MethodDelete, "/api/queue?status=running", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 clearing non-terminal status, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIJobRetryReturnsFailedJobToPending(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"simple": notifyTemplate})

	job := testsupport.MustEnqueue(t, d.store, store.JobSpec{
		Type:        "encode",
		PayloadJSON: `{}`,
		DedupeKey:   "encode:test:2",
	})
	job.Status = store.JobFailed
	job.ErrorMessage = "encoder exploded"
	if err := d.store.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	resp := apiRequest(t, d, http.MethodPost, "/api/queue/"+job.ID+"/retry", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 retrying job, got %d", resp.StatusCode)
	}
	var retried jobView
	decodeBody(t, resp, &retried)
	if retried.Status != string(store.JobPending) {
		t.Fatalf("expected pending after retry, got %s", retried.Status)
	}
}

func TestAPIExecutionDetail(t *testing.T) {
	d, _ := newTestDaemon(t, map[string]string{"simple": notifyTemplate})

	exec, err := d.StartRequest(context.Background(), "req-9", "simple")
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	waitFor(t, "execution to complete", func() bool {
		current, err := d.store.GetExecution(context.Background(), exec.ID)
		return err == nil && current.Status.Terminal()
	})

	resp := apiRequest(t, d, http.MethodGet, "/api/executions/"+exec.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail struct {
		executionView
		Steps []stepView `json:"steps"`
	}
	decodeBody(t, resp, &detail)
	if detail.ID != exec.ID || len(detail.Steps) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Steps[0].Name != "notify" {
		t.Fatalf("unexpected step %+v", detail.Steps[0])
	}
}

func TestStartEnforcesSingleInstance(t *testing.T) {
	d, cfg := newTestDaemon(t, map[string]string{"simple": notifyTemplate})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	st := testsupport.MustOpenStore(t, cfg)
	second, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New second daemon: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected second Start to fail while lock is held")
	}
}
