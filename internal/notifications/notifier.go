package notifications

import (
	"context"

	"fetcharr/internal/steps"
)

// StepNotifier adapts the notification service onto the step handlers'
// Notifier capability.
type StepNotifier struct {
	service Service
}

// NewStepNotifier wraps a service for use inside pipeline templates.
func NewStepNotifier(service Service) *StepNotifier {
	return &StepNotifier{service: service}
}

// Notify implements steps.Notifier. An unconfigured service reports no
// targets rather than a phantom delivery.
func (n *StepNotifier) Notify(ctx context.Context, event string, payload map[string]any) ([]steps.NotifyResult, error) {
	if n == nil || n.service == nil || !n.service.Enabled() {
		return nil, nil
	}
	if err := n.service.Publish(ctx, Event(event), Payload(payload)); err != nil {
		return []steps.NotifyResult{{Target: "ntfy", Delivered: false}}, err
	}
	return []steps.NotifyResult{{Target: "ntfy", Delivered: true}}, nil
}
