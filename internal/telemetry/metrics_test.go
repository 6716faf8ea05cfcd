package telemetry

import (
	"context"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricFunctionsDoNotPanicBeforeInit(t *testing.T) {
	ctx := context.Background()
	CallStarted(ctx, "tenant-a")
	CallEnded(ctx, "tenant-a", "hangup")
	CapacityDenied(ctx, "tenant-a", "rate_limited")
	EndpointingLatency(ctx, "tenant-a", 123.4)
	TTSSegmentSynthesized(ctx, "tenant-a")
}

func TestInitMeterRecordsViaInMemoryReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter = provider.Meter("github.com/lokutor-ai/voicecall-runtime/telemetry")
	instrumentsOnce = sync.Once{}
	instrumentsErr = nil

	ctx := context.Background()
	CallStarted(ctx, "tenant-a")
	CapacityDenied(ctx, "tenant-a", "tenant_at_capacity")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("expected metrics to be recorded")
	}
}

func TestInitMeterIsReentrant(t *testing.T) {
	if err := InitMeter("svc-a"); err != nil {
		t.Fatalf("InitMeter: %v", err)
	}
	if err := InitMeter("svc-b"); err != nil {
		t.Fatalf("InitMeter reinit: %v", err)
	}

	ctx := context.Background()
	CallStarted(ctx, "tenant-a")
	CallEnded(ctx, "tenant-a", "transfer")
}
