package metrics

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("action", "welcome"),
		attribute.String("member_id", "456"),
		attribute.String("outcome", "success"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "action" && attrs[1].Key != "action" {
		t.Fatalf("expected action to be retained")
	}
	if attrs[0].Key != "outcome" && attrs[1].Key != "outcome" {
		t.Fatalf("expected outcome to be retained")
	}
}

func TestRecordActionSplitsOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "gatekeeper-test"}, provider)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	ctx := context.Background()
	m.RecordAction(ctx, ActionWelcome, nil)
	m.RecordAction(ctx, ActionWelcome, nil)
	m.RecordAction(ctx, ActionPrompt, errors.New("boom"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	got := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "gatekeeper_onboarding_actions_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				action, _ := dp.Attributes.Value("action")
				outcome, _ := dp.Attributes.Value("outcome")
				got[action.AsString()+"/"+outcome.AsString()] = dp.Value
			}
		}
	}

	if got["welcome/success"] != 2 {
		t.Fatalf("welcome/success = %d", got["welcome/success"])
	}
	if got["prompt/failure"] != 1 {
		t.Fatalf("prompt/failure = %d", got["prompt/failure"])
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordAction(context.Background(), ActionPrompt, nil)
	m.RecordDMThrottled(context.Background(), "denied")
	m.RecordResolution(context.Background(), "verified", false)
}
