// Package metrics records governance counters through OpenTelemetry.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "governor"

// Recorder holds the engine's counters. A nil *Recorder records nothing.
type Recorder struct {
	decisions   metric.Int64Counter
	resolutions metric.Int64Counter
	gates       metric.Int64Counter
	expirations metric.Int64Counter
	executions  metric.Int64Counter
}

// New creates counters on meter, or on the global provider when meter is nil.
func New(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	r := &Recorder{}
	var err error
	if r.decisions, err = meter.Int64Counter("governor.decisions.total",
		metric.WithDescription("Policy decisions by outcome and reason"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if r.resolutions, err = meter.Int64Counter("governor.resolutions.total",
		metric.WithDescription("Approval resolution attempts by outcome"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, err
	}
	if r.gates, err = meter.Int64Counter("governor.soul.gated.total",
		metric.WithDescription("Self-modification proposals stopped by a gate"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return nil, err
	}
	if r.expirations, err = meter.Int64Counter("governor.approvals.expired.total",
		metric.WithDescription("Approvals closed by the expiry sweep"),
		metric.WithUnit("{approval}"),
	); err != nil {
		return nil, err
	}
	if r.executions, err = meter.Int64Counter("governor.executions.total",
		metric.WithDescription("Executed actions by final status"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Decision(ctx context.Context, decision, reason string) {
	if r == nil {
		return
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision), attribute.String("reason", reason)))
}

func (r *Recorder) Resolution(ctx context.Context, outcome string, applied bool) {
	if r == nil {
		return
	}
	r.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome), attribute.Bool("applied", applied)))
}

func (r *Recorder) Gate(ctx context.Context, reason string) {
	if r == nil {
		return
	}
	r.gates.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *Recorder) Expired(ctx context.Context, n int) {
	if r == nil || n == 0 {
		return
	}
	r.expirations.Add(ctx, int64(n))
}

func (r *Recorder) Execution(ctx context.Context, kind, status string) {
	if r == nil {
		return
	}
	r.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status)))
}
