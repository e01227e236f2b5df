package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.APICallDuration == nil {
		t.Error("APICallDuration is nil")
	}
	if m.APICallsTotal == nil {
		t.Error("APICallsTotal is nil")
	}
	if m.ThrottleEvents == nil {
		t.Error("ThrottleEvents is nil")
	}
	if m.QuotaRejects == nil {
		t.Error("QuotaRejects is nil")
	}
	if m.PollCycleDuration == nil {
		t.Error("PollCycleDuration is nil")
	}
	if m.WebhookEvents == nil {
		t.Error("WebhookEvents is nil")
	}
	if m.NotificationsSent == nil {
		t.Error("NotificationsSent is nil")
	}
	if m.TrackedTasks == nil {
		t.Error("TrackedTasks is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
