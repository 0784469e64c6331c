package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts coordination outcomes. A nil *Metrics records nothing,
// and without a configured MeterProvider the global otel meter is a no-op.
type Metrics struct {
	locksAcquired   metric.Int64Counter
	locksRejected   metric.Int64Counter
	locksReleased   metric.Int64Counter
	intentsDropped  metric.Int64Counter
	persistFailures metric.Int64Counter
	activeSessions  metric.Int64UpDownCounter
}

// NewMetrics registers the counters on the global meter.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("formsync"))
}

func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.locksAcquired, err = meter.Int64Counter("formsync.locks.acquired",
		metric.WithDescription("Field locks granted, including renewals")); err != nil {
		return nil, err
	}
	if m.locksRejected, err = meter.Int64Counter("formsync.locks.rejected",
		metric.WithDescription("Lock attempts on a field held by another user")); err != nil {
		return nil, err
	}
	if m.locksReleased, err = meter.Int64Counter("formsync.locks.released",
		metric.WithDescription("Field locks released, by cause")); err != nil {
		return nil, err
	}
	if m.intentsDropped, err = meter.Int64Counter("formsync.intents.dropped",
		metric.WithDescription("Inbound intents dropped as malformed or out of session")); err != nil {
		return nil, err
	}
	if m.persistFailures, err = meter.Int64Counter("formsync.persist.failures",
		metric.WithDescription("Value hand-offs the external store rejected")); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("formsync.sessions.active",
		metric.WithDescription("Document sessions with at least one member")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) LockAcquired(ctx context.Context, renewed bool) {
	if m == nil {
		return
	}
	m.locksAcquired.Add(ctx, 1, metric.WithAttributes(attribute.Bool("renewed", renewed)))
}

func (m *Metrics) LockRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.locksRejected.Add(ctx, 1)
}

// LockReleased records a release; cause is "explicit", "expired" or "disconnected".
func (m *Metrics) LockReleased(ctx context.Context, cause string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.locksReleased.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cause", cause)))
}

func (m *Metrics) IntentDropped(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.intentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) PersistFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.persistFailures.Add(ctx, 1)
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}
