package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"fetcharr/internal/notifications"
	"fetcharr/internal/testsupport"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(cfg)
	if svc.Enabled() {
		t.Fatal("expected noop service when no topic is configured")
	}
	if err := svc.Publish(context.Background(), notifications.EventRequestCompleted, notifications.Payload{"title": "Example"}); err != nil {
		t.Fatalf("expected noop publish to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "request completed",
			event: notifications.EventRequestCompleted,
			payload: notifications.Payload{
				"title": "Interstellar (2014)",
			},
			expectTitle:    "Fetcharr - Request Complete",
			expectMessage:  "Ready to watch: Interstellar (2014)",
			expectTags:     "fetcharr,request,completed",
			expectPriority: "high",
		},
		{
			name:  "request failed",
			event: notifications.EventRequestFailed,
			payload: notifications.Payload{
				"title":  "Blade Runner",
				"reason": "no releases found",
			},
			expectTitle:    "Fetcharr - Request Failed",
			expectMessage:  "Request failed: Blade Runner\nno releases found",
			expectTags:     "fetcharr,request,failed",
			expectPriority: "high",
		},
		{
			name:  "approval pending",
			event: notifications.EventApprovalPending,
			payload: notifications.Payload{
				"title":        "Jurassic Park",
				"requiredRole": "admin",
			},
			expectTitle:   "Fetcharr - Approval Needed",
			expectMessage: "Approval needed for Jurassic Park (role: admin)",
			expectTags:    "fetcharr,approval,pending",
		},
		{
			name:  "encoder offline",
			event: notifications.EventEncoderOffline,
			payload: notifications.Payload{
				"encoderId": "gpu-node-1",
			},
			expectTitle:    "Fetcharr - Encoder Offline",
			expectMessage:  "Encoder gpu-node-1 missed its liveness window",
			expectTags:     "fetcharr,encoder,offline",
			expectPriority: "high",
		},
		{
			name:  "error",
			event: notifications.EventError,
			payload: notifications.Payload{
				"context": "dispatch",
				"error":   "store unavailable",
			},
			expectTitle:    "Fetcharr - Error",
			expectMessage:  "Error with dispatch: store unavailable",
			expectTags:     "fetcharr,error,alert",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Fatalf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := testsupport.NewConfig(t)
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5
			cfg.Notifications.RequestComplete = true
			cfg.Notifications.Approvals = true
			cfg.Notifications.Encoders = true
			cfg.Notifications.Errors = true

			svc := notifications.NewService(cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceSuppressesDisabledCategories(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call for suppressed event: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RequestComplete = false
	cfg.Notifications.Approvals = false
	cfg.Notifications.Encoders = false
	cfg.Notifications.Errors = false

	svc := notifications.NewService(cfg)
	suppressed := []notifications.Event{
		notifications.EventRequestCompleted,
		notifications.EventRequestFailed,
		notifications.EventApprovalPending,
		notifications.EventEncoderOffline,
		notifications.EventError,
	}

	for _, event := range suppressed {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"value": "ignored"}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestStepNotifierReportsDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RequestComplete = true

	notifier := notifications.NewStepNotifier(notifications.NewService(cfg))
	results, err := notifier.Notify(context.Background(), string(notifications.EventRequestCompleted), map[string]any{"title": "Movie"})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(results) != 1 || !results[0].Delivered || results[0].Target != "ntfy" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestStepNotifierSkipsWhenUnconfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = ""

	notifier := notifications.NewStepNotifier(notifications.NewService(cfg))
	results, err := notifier.Notify(context.Background(), "request_completed", nil)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no targets, got %+v", results)
	}
}
