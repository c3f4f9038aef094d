package otel

import (
	"context"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a logger at V(1).
type LogExporter struct {
	log logr.Logger
}

func NewLogExporter(log logr.Logger) *LogExporter {
	return &LogExporter{log: log}
}

func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		kv := []any{
			"span", s.Name(),
			"trace", s.SpanContext().TraceID().String(),
			"duration", s.EndTime().Sub(s.StartTime()).String(),
		}
		if s.Status().Code == codes.Error {
			kv = append(kv, "error", s.Status().Description)
		}
		e.log.V(1).Info("span", kv...)
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }

// NewTracerProvider returns an SDK provider tagged with the service name that
// batches spans into exp.
func NewTracerProvider(service string, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", service))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
}
