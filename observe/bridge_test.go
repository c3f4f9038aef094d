package observe

import (
	"context"
	"testing"
	"time"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

func TestFromPipelineEventKinds(t *testing.T) {
	tests := []struct {
		in         types.EventType
		wantKind   Kind
		wantStatus Status
	}{
		{types.EventTradeReceived, KindTrade, StatusStarted},
		{types.EventTokenMinted, KindToken, StatusCompleted},
		{types.EventTokenFailed, KindToken, StatusFailed},
		{types.EventBeforeRisk, KindCollaborator, StatusStarted},
		{types.EventRiskRejected, KindCollaborator, StatusRejected},
		{types.EventAfterBroker, KindCollaborator, StatusCompleted},
		{types.EventConsentChecked, KindConsent, StatusCompleted},
		{types.EventConsentGranted, KindConsent, StatusCompleted},
		{types.EventLedgerAppended, KindLedger, StatusCompleted},
		{types.EventStrategyFallback, KindStrategy, StatusCompleted},
		{types.EventTradeFailed, KindTrade, StatusFailed},
	}
	for _, tt := range tests {
		got := FromPipelineEvent(types.Event{Type: tt.in, TradeID: "t1"})
		if got.Kind != tt.wantKind || got.Status != tt.wantStatus {
			t.Errorf("%s: got kind=%s status=%s, want kind=%s status=%s", tt.in, got.Kind, got.Status, tt.wantKind, tt.wantStatus)
		}
		if got.Timestamp.IsZero() {
			t.Errorf("%s: timestamp not normalized", tt.in)
		}
	}
}

func TestFromPipelineEventSpans(t *testing.T) {
	e := FromPipelineEvent(types.Event{
		Type:      types.EventAfterRisk,
		TradeID:   "t1",
		Agent:     types.AgentRisk,
		Mode:      types.ModeLive,
		Symbol:    "AAPL",
		AuditID:   7,
		Timestamp: time.Now(),
	})
	if e.SpanID != "t1:risk-agent" || e.ParentSpanID != "t1" {
		t.Fatalf("unexpected span ids %q/%q", e.SpanID, e.ParentSpanID)
	}
	if e.Attributes["mode"] != "live" || e.Attributes["symbol"] != "AAPL" || e.Attributes["auditId"] != int64(7) {
		t.Fatalf("unexpected attributes %#v", e.Attributes)
	}
}

func TestMultiSinkSkipsNil(t *testing.T) {
	var got []string
	a := SinkFunc(func(_ context.Context, e Event) error {
		got = append(got, "a:"+e.Name)
		return nil
	})
	b := SinkFunc(func(_ context.Context, e Event) error {
		got = append(got, "b:"+e.Name)
		return nil
	})
	sink := NewMultiSink(nil, a, nil, b)
	if err := sink.Emit(context.Background(), Event{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Fatalf("unexpected fan-out %v", got)
	}
	if _, ok := NewMultiSink(nil).(NoopSink); !ok {
		t.Fatal("expected noop sink for empty input")
	}
}

func TestAsyncSinkDelivers(t *testing.T) {
	done := make(chan Event, 1)
	sink := NewAsyncSink(SinkFunc(func(_ context.Context, e Event) error {
		done <- e
		return nil
	}), 4)
	defer sink.Close()

	if err := sink.Emit(context.Background(), Event{Name: "trade.completed"}); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-done:
		if e.Name != "trade.completed" || e.Kind != KindCustom {
			t.Fatalf("unexpected event %#v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
