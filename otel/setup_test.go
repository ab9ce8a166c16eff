package otel_test

import (
	"context"
	"testing"

	agentotel "github.com/agime-team/agentstream/otel"
)

func TestSetup_SnapshotWithoutExporter(t *testing.T) {
	ctx := context.Background()
	tel, err := agentotel.Setup(ctx, agentotel.Config{ServiceName: "agentstream-test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	h, err := agentotel.NewMetricsHandler(tel.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	h.RecordRejected("default")
	h.RecordRejected("default")

	points, err := tel.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var found bool
	for _, p := range points {
		if p.Name == "agentstream.ratelimit.rejected" {
			found = true
			if p.Value != 2 || p.Attributes["limiter"] != "default" {
				t.Errorf("point = %+v", p)
			}
		}
	}
	if !found {
		t.Errorf("rejected counter missing from snapshot: %+v", points)
	}

	_, span := tel.Tracer("test").Start(ctx, "probe")
	if !span.SpanContext().IsValid() {
		t.Error("tracer should produce valid spans without an exporter")
	}
	span.End()
}
