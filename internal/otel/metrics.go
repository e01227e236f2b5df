package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all planbot metric instruments.
type Metrics struct {
	APICallDuration   metric.Float64Histogram
	APICallsTotal     metric.Int64Counter
	ThrottleEvents    metric.Int64Counter
	QuotaRejects      metric.Int64Counter
	PollCycleDuration metric.Float64Histogram
	WebhookEvents     metric.Int64Counter
	NotificationsSent metric.Int64Counter
	TrackedTasks      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.APICallDuration, err = meter.Float64Histogram("planbot.api.duration",
		metric.WithDescription("Planfix API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.APICallsTotal, err = meter.Int64Counter("planbot.api.calls",
		metric.WithDescription("Total Planfix API calls dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.ThrottleEvents, err = meter.Int64Counter("planbot.api.throttles",
		metric.WithDescription("Throttle responses observed from the provider"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaRejects, err = meter.Int64Counter("planbot.api.quota_rejects",
		metric.WithDescription("Calls rejected locally by the daily quota"),
	)
	if err != nil {
		return nil, err
	}

	m.PollCycleDuration, err = meter.Float64Histogram("planbot.poll.duration",
		metric.WithDescription("Reconciliation cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookEvents, err = meter.Int64Counter("planbot.webhook.events",
		metric.WithDescription("Webhook events received by type"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsSent, err = meter.Int64Counter("planbot.notify.sent",
		metric.WithDescription("Chat notifications delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.TrackedTasks, err = meter.Int64UpDownCounter("planbot.tasks.tracked",
		metric.WithDescription("Tasks currently tracked for sync"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
