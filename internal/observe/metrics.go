// Package observe provides the OpenTelemetry metrics recorded by capture
// sessions and the provider setup that exposes them to Prometheus.
//
// Tests should build a [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider]; [DefaultMetrics] uses the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/audiolibrelab/answercapture"

// Metrics holds the instruments for capture sessions. All fields are safe for
// concurrent use.
type Metrics struct {
	// AttemptsStored counts stored attempts. Attributes: tier, attempt, trigger.
	AttemptsStored metric.Int64Counter

	// AttemptDuration records the recorded length of stored attempts in seconds.
	AttemptDuration metric.Float64Histogram

	// DeadlineExpiries counts countdowns that reached zero. Attribute: tier.
	DeadlineExpiries metric.Int64Counter

	// DeviceFailures counts failed acquisitions. Attribute: kind.
	DeviceFailures metric.Int64Counter

	// EncodingFailures counts Stop calls that failed to encode. Attribute: media_type.
	EncodingFailures metric.Int64Counter

	// RejectedTransitions counts user actions refused by the state machine. Attribute: op.
	RejectedTransitions metric.Int64Counter

	// ActiveSessions tracks sessions that are neither finalized nor disposed.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsFinalized counts sessions handed to the feedback sink. Attribute: tier.
	SessionsFinalized metric.Int64Counter

	// FeedbackDuration records how long the feedback sink took in seconds. Attribute: status.
	FeedbackDuration metric.Float64Histogram
}

// answerBuckets are tuned to the easy/medium/hard countdowns.
var answerBuckets = []float64{5, 10, 20, 30, 45, 60, 90, 120}

var feedbackBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AttemptsStored, err = m.Int64Counter("answercapture.attempts.stored",
		metric.WithDescription("Attempts stored by tier, attempt number and trigger."),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("answercapture.attempt.duration",
		metric.WithDescription("Recorded length of stored attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(answerBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeadlineExpiries, err = m.Int64Counter("answercapture.deadline.expiries",
		metric.WithDescription("Countdowns that reached zero while recording."),
	); err != nil {
		return nil, err
	}
	if met.DeviceFailures, err = m.Int64Counter("answercapture.device.failures",
		metric.WithDescription("Failed capture device acquisitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.EncodingFailures, err = m.Int64Counter("answercapture.encoding.failures",
		metric.WithDescription("Recordings that failed to encode on stop."),
	); err != nil {
		return nil, err
	}
	if met.RejectedTransitions, err = m.Int64Counter("answercapture.transitions.rejected",
		metric.WithDescription("User actions rejected by the session state machine."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("answercapture.active_sessions",
		metric.WithDescription("Sessions currently accepting answers."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinalized, err = m.Int64Counter("answercapture.sessions.finalized",
		metric.WithDescription("Sessions finalized and handed to feedback."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackDuration, err = m.Float64Histogram("answercapture.feedback.duration",
		metric.WithDescription("Latency of the feedback sink."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(feedbackBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built from the global
// meter provider on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAttempt records a stored attempt and its duration.
func (m *Metrics) RecordAttempt(ctx context.Context, tier string, attempt int, trigger string, seconds int) {
	m.AttemptsStored.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.Int("attempt", attempt),
			attribute.String("trigger", trigger),
		),
	)
	m.AttemptDuration.Record(ctx, float64(seconds), metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordDeviceFailure records a failed acquisition.
func (m *Metrics) RecordDeviceFailure(ctx context.Context, kind string) {
	m.DeviceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRejected records a refused user action.
func (m *Metrics) RecordRejected(ctx context.Context, op string) {
	m.RejectedTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
