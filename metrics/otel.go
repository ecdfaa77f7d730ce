package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vinayprograms/swarmbus/message"
)

// InstrumentationName is the meter name used when none is supplied.
const InstrumentationName = "github.com/vinayprograms/swarmbus"

// OTelSink forwards bus metrics to OpenTelemetry instruments.
type OTelSink struct {
	sent      metric.Int64Counter
	received  metric.Int64Counter
	bytes     metric.Int64Counter
	latency   metric.Float64Histogram
	errors    metric.Int64Counter
	consensus metric.Int64Counter
	votes     metric.Int64Histogram
	duration  metric.Float64Histogram
}

// NewOTelSink creates instruments on meter. A nil meter uses the global
// MeterProvider, which is a no-op until one is installed.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	s := &OTelSink{}
	var err error
	if s.sent, err = meter.Int64Counter("swarmbus.messages.sent",
		metric.WithDescription("Messages published")); err != nil {
		return nil, err
	}
	if s.received, err = meter.Int64Counter("swarmbus.messages.received",
		metric.WithDescription("Messages delivered to handlers")); err != nil {
		return nil, err
	}
	if s.bytes, err = meter.Int64Counter("swarmbus.messages.bytes",
		metric.WithUnit("By"), metric.WithDescription("Serialized message bytes")); err != nil {
		return nil, err
	}
	if s.latency, err = meter.Float64Histogram("swarmbus.receive.latency",
		metric.WithUnit("ms"), metric.WithDescription("Time from publish to delivery")); err != nil {
		return nil, err
	}
	if s.errors, err = meter.Int64Counter("swarmbus.errors",
		metric.WithDescription("Bus errors by kind")); err != nil {
		return nil, err
	}
	if s.consensus, err = meter.Int64Counter("swarmbus.consensus.rounds",
		metric.WithDescription("Resolved consensus rounds")); err != nil {
		return nil, err
	}
	if s.votes, err = meter.Int64Histogram("swarmbus.consensus.votes",
		metric.WithDescription("Votes collected per round")); err != nil {
		return nil, err
	}
	if s.duration, err = meter.Float64Histogram("swarmbus.consensus.duration",
		metric.WithUnit("ms"), metric.WithDescription("Time to resolve a round")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OTelSink) MessageSent(channel string, t message.Type, bytes int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("type", string(t)),
		attribute.String("direction", "sent"),
	)
	s.sent.Add(ctx, 1, attrs)
	s.bytes.Add(ctx, int64(bytes), attrs)
}

func (s *OTelSink) MessageReceived(channel string, t message.Type, bytes int, latency time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("type", string(t)),
		attribute.String("direction", "received"),
	)
	s.received.Add(ctx, 1, attrs)
	s.bytes.Add(ctx, int64(bytes), attrs)
	s.latency.Record(ctx, float64(latency)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("type", string(t))))
}

func (s *OTelSink) Error(kind, _ string) {
	s.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (s *OTelSink) ConsensusResolved(approved, timedOut bool, votes int, duration time.Duration) {
	ctx := context.Background()
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("timed_out", timedOut),
	)
	s.consensus.Add(ctx, 1, attrs)
	s.votes.Record(ctx, int64(votes), attrs)
	s.duration.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}
