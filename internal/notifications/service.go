package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fetcharr/internal/config"
)

const userAgent = "Fetcharr/0.1.0"

// Event names a pipeline occurrence worth pushing.
type Event string

const (
	EventRequestCompleted Event = "request_completed"
	EventRequestFailed    Event = "request_failed"
	EventApprovalPending  Event = "approval_pending"
	EventEncoderOffline   Event = "encoder_offline"
	EventError            Event = "error"
	EventTest             Event = "test"
)

// Payload carries event-specific fields referenced by the message templates.
type Payload map[string]any

// Service publishes events to the configured notification transport.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
	Enabled() bool
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		settings: cfg.Notifications,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	settings config.Notifications
}

func (n *ntfyService) Enabled() bool { return true }

// Publish formats and sends one event. Suppressed categories return nil
// without touching the network.
func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.wants(event) {
		return nil
	}
	return n.send(ctx, n.format(event, payload))
}

func (n *ntfyService) wants(event Event) bool {
	switch event {
	case EventRequestCompleted, EventRequestFailed:
		return n.settings.RequestComplete
	case EventApprovalPending:
		return n.settings.Approvals
	case EventEncoderOffline:
		return n.settings.Encoders
	case EventError:
		return n.settings.Errors
	default:
		return true
	}
}

func (n *ntfyService) format(event Event, payload Payload) message {
	switch event {
	case EventRequestCompleted:
		return message{
			title:    "Fetcharr - Request Complete",
			body:     fmt.Sprintf("Ready to watch: %s", str(payload, "title", "request")),
			tags:     []string{"fetcharr", "request", "completed"},
			priority: "high",
		}
	case EventRequestFailed:
		body := fmt.Sprintf("Request failed: %s", str(payload, "title", "request"))
		if reason := str(payload, "reason", ""); reason != "" {
			body = fmt.Sprintf("%s\n%s", body, reason)
		}
		return message{
			title:    "Fetcharr - Request Failed",
			body:     body,
			tags:     []string{"fetcharr", "request", "failed"},
			priority: "high",
		}
	case EventApprovalPending:
		body := fmt.Sprintf("Approval needed for %s", str(payload, "title", str(payload, "requestId", "a request")))
		if role := str(payload, "requiredRole", ""); role != "" {
			body = fmt.Sprintf("%s (role: %s)", body, role)
		}
		return message{
			title: "Fetcharr - Approval Needed",
			body:  body,
			tags:  []string{"fetcharr", "approval", "pending"},
		}
	case EventEncoderOffline:
		return message{
			title:    "Fetcharr - Encoder Offline",
			body:     fmt.Sprintf("Encoder %s missed its liveness window", str(payload, "encoderId", "unknown")),
			tags:     []string{"fetcharr", "encoder", "offline"},
			priority: "high",
		}
	case EventError:
		body := "Error"
		if label := str(payload, "context", ""); label != "" {
			body = fmt.Sprintf("%s with %s", body, label)
		}
		body = fmt.Sprintf("%s: %s", body, str(payload, "error", "unknown"))
		return message{
			title:    "Fetcharr - Error",
			body:     body,
			tags:     []string{"fetcharr", "error", "alert"},
			priority: "high",
		}
	case EventTest:
		return message{
			title:    "Fetcharr - Test",
			body:     "Notification system test",
			tags:     []string{"fetcharr", "test"},
			priority: "low",
		}
	default:
		body := str(payload, "message", string(event))
		return message{
			title: fmt.Sprintf("Fetcharr - %s", string(event)),
			body:  body,
			tags:  []string{"fetcharr", string(event)},
		}
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// str reads a string field from a payload with a fallback.
func str(payload Payload, key, fallback string) string {
	if payload == nil {
		return fallback
	}
	if value, ok := payload[key]; ok {
		if s, isString := value.(string); isString && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return fallback
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
func (noopService) Enabled() bool                                 { return false }
