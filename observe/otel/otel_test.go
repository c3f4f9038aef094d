package otel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"

	"github.com/PipeOpsHQ/trusted-trading/observe"
	"github.com/PipeOpsHQ/trusted-trading/types"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSinkEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)

	now := time.Now()
	err := sink.Emit(context.Background(), observe.Event{
		Kind:       observe.KindTrade,
		Name:       "trade.completed",
		TradeID:    "trade-123",
		Scope:      types.ScopePlaceSimulate,
		Status:     observe.StatusCompleted,
		Timestamp:  now,
		DurationMs: 150,
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "trade.completed" {
		t.Errorf("expected span name 'trade.completed', got %q", span.Name)
	}

	attrMap := attrToMap(span.Attributes)
	if v, ok := attrMap["trade.id"]; !ok || v != "trade-123" {
		t.Errorf("missing or wrong trade.id: %v", attrMap)
	}
	if v, ok := attrMap["trade.scope"]; !ok || v != types.ScopePlaceSimulate {
		t.Errorf("missing or wrong trade.scope: %v", attrMap)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 150*time.Millisecond {
		t.Errorf("expected 150ms span, got %s", got)
	}
}

func TestSpanNaming(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	now := time.Now()

	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindToken, Scope: "risk.evaluate", Timestamp: now}, "trade.token.risk.evaluate"},
		{observe.Event{Kind: observe.KindCollaborator, Agent: types.AgentBroker, Timestamp: now}, "trade.call.broker-agent"},
		{observe.Event{Kind: observe.KindLedger, Timestamp: now}, "trade.ledger.append"},
		{observe.Event{Kind: observe.KindConsent, Timestamp: now}, "trade.consent"},
		{observe.Event{Kind: observe.KindCustom, Timestamp: now}, "trade.event"},
	}

	for _, tt := range tests {
		exporter.Reset()
		sink.Emit(context.Background(), tt.event)
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Errorf("expected 1 span for %s, got %d", tt.wantName, len(spans))
			continue
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	sink.Emit(context.Background(), observe.FromPipelineEvent(types.Event{
		Type:      types.EventTradeFailed,
		TradeID:   "trade-9",
		Error:     "risk service unavailable",
		Timestamp: time.Now(),
	}))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
}

func TestNilTracerProvider(t *testing.T) {
	sink := NewSink(nil)
	err := sink.Emit(context.Background(), observe.Event{
		Kind:      observe.KindTrade,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Errorf("expected no error with nil provider, got: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestLogExporterWritesFinishedSpans(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 1})

	tp := NewTracerProvider("orchestrator", NewLogExporter(log))
	sink := NewSink(tp)
	err := sink.Emit(context.Background(), observe.Event{
		Kind:      observe.KindTrade,
		Name:      "trade.failed",
		Status:    observe.StatusFailed,
		Error:     "risk unreachable",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	// Shutdown flushes the batcher.
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one span line, got %v", lines)
	}
	if !strings.Contains(lines[0], `"span"="trade.failed"`) || !strings.Contains(lines[0], "risk unreachable") {
		t.Fatalf("unexpected span line %s", lines[0])
	}
}
