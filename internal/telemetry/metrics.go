// Package telemetry wires the runtime's OTel instruments: capacity
// denials, endpointing latency, and call lifecycle counts.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter metric.Meter

var (
	callsStarted   metric.Int64Counter
	callsEnded     metric.Int64Counter
	capacityDenied metric.Int64Counter
	endpointLatency metric.Float64Histogram
	ttsSegmentCount metric.Int64Counter

	instrumentsOnce sync.Once
	instrumentsErr  error
)

func init() {
	meter = otel.Meter("github.com/lokutor-ai/voicecall-runtime/telemetry")
}

// InitMeter reconfigures the package meter with a service name, the way
// o11y.InitMeter does in the reference AI-framework pack. Call this once
// at startup after the meter provider is configured; if never called the
// default global meter provider is used.
func InitMeter(serviceName string) error {
	meter = otel.Meter(
		"github.com/lokutor-ai/voicecall-runtime/telemetry",
		metric.WithInstrumentationAttributes(attribute.String("service.name", serviceName)),
	)
	instrumentsOnce = sync.Once{}
	instrumentsErr = nil
	return initInstruments()
}

func initInstruments() error {
	instrumentsOnce.Do(func() {
		var err error

		callsStarted, err = meter.Int64Counter(
			"voicecall.calls.started",
			metric.WithDescription("Number of calls admitted and started"),
			metric.WithUnit("{call}"),
		)
		if err != nil {
			instrumentsErr = err
			return
		}

		callsEnded, err = meter.Int64Counter(
			"voicecall.calls.ended",
			metric.WithDescription("Number of calls that reached a terminal state"),
			metric.WithUnit("{call}"),
		)
		if err != nil {
			instrumentsErr = err
			return
		}

		capacityDenied, err = meter.Int64Counter(
			"voicecall.capacity.denied",
			metric.WithDescription("Number of calls denied admission by scope"),
			metric.WithUnit("{call}"),
		)
		if err != nil {
			instrumentsErr = err
			return
		}

		endpointLatency, err = meter.Float64Histogram(
			"voicecall.endpointer.latency",
			metric.WithDescription("Milliseconds from trailing silence to emitted final transcript"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			instrumentsErr = err
			return
		}

		ttsSegmentCount, err = meter.Int64Counter(
			"voicecall.tts.segments",
			metric.WithDescription("Number of text segments synthesized per turn"),
			metric.WithUnit("{segment}"),
		)
		if err != nil {
			instrumentsErr = err
			return
		}
	})
	return instrumentsErr
}

// CallStarted records that a call was admitted and entered the greeting
// state, tagged by tenant.
func CallStarted(ctx context.Context, tenantID string) {
	if err := initInstruments(); err != nil {
		return
	}
	callsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// CallEnded records a call reaching a terminal state, tagged by tenant
// and the terminal reason (hangup, transfer, failed).
func CallEnded(ctx context.Context, tenantID, reason string) {
	if err := initInstruments(); err != nil {
		return
	}
	callsEnded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("reason", reason),
		),
	)
}

// CapacityDenied records an admission denial, tagged by the scope that
// denied it: rate_limited, tenant_at_capacity, or system_at_capacity.
func CapacityDenied(ctx context.Context, tenantID, scope string) {
	if err := initInstruments(); err != nil {
		return
	}
	capacityDenied.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("scope", scope),
		),
	)
}

// EndpointingLatency records the milliseconds between the last audio
// frame above the noise floor and the emitted final transcript.
func EndpointingLatency(ctx context.Context, tenantID string, ms float64) {
	if err := initInstruments(); err != nil {
		return
	}
	endpointLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// TTSSegmentSynthesized records one progressive TTS segment being sent
// for synthesis.
func TTSSegmentSynthesized(ctx context.Context, tenantID string) {
	if err := initInstruments(); err != nil {
		return
	}
	ttsSegmentCount.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}
