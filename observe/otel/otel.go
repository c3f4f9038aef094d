// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// Each pipeline event becomes a span so that token mints, collaborator calls
// and ledger appends of a trade line up in any OpenTelemetry backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/trusted-trading/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/PipeOpsHQ/trusted-trading/pipeline"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("trade.event.kind", string(event.Kind)),
	}
	if event.TradeID != "" {
		attrs = append(attrs, attribute.String("trade.id", event.TradeID))
	}
	if event.SpanID != "" {
		attrs = append(attrs, attribute.String("trade.span.id", event.SpanID))
	}
	if event.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("trade.parent_span.id", event.ParentSpanID))
	}
	if event.Agent != "" {
		attrs = append(attrs, attribute.String("trade.agent", event.Agent))
	}
	if event.Scope != "" {
		attrs = append(attrs, attribute.String("trade.scope", event.Scope))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("trade.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("trade.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("trade.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("trade.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("trade.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted, observe.StatusRejected:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindToken:
		if event.Scope != "" {
			return "trade.token." + event.Scope
		}
		return "trade.token.mint"
	case observe.KindCollaborator:
		if event.Agent != "" {
			return "trade.call." + event.Agent
		}
		return "trade.call"
	case observe.KindLedger:
		return "trade.ledger.append"
	case observe.KindConsent:
		return "trade.consent"
	default:
		if event.Name != "" {
			return event.Name
		}
		return "trade.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
