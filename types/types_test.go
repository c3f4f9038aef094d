package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOrderIntentNormalizeAndValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      OrderIntent
		wantErr bool
	}{
		{name: "lowercase input", in: OrderIntent{Symbol: " aapl ", Side: "buy", Qty: 5}},
		{name: "missing symbol", in: OrderIntent{Side: "BUY", Qty: 5}, wantErr: true},
		{name: "bad side", in: OrderIntent{Symbol: "AAPL", Side: "HOLD", Qty: 5}, wantErr: true},
		{name: "zero qty", in: OrderIntent{Symbol: "AAPL", Side: "SELL"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := tc.in
			o.Normalize()
			err := o.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !IsKind(err, KindValidation) {
				t.Fatalf("kind = %s", KindOf(err))
			}
		})
	}

	o := OrderIntent{Symbol: " msft", Side: "sell ", Qty: 1}
	o.Normalize()
	if o.Symbol != "MSFT" || o.Side != "SELL" || o.Type != "market" {
		t.Fatalf("unexpected normalized intent %+v", o)
	}
}

func TestModeScopes(t *testing.T) {
	if ModeLive.PlacementScope() != ScopePlaceLive || ModeSimulate.PlacementScope() != ScopePlaceSimulate {
		t.Fatal("placement scopes mismatch")
	}
	if m, ok := ModeForScope(ScopePlaceLive); !ok || m != ModeLive {
		t.Fatalf("ModeForScope(live) = %v, %v", m, ok)
	}
	if _, ok := ModeForScope(ScopeRiskEvaluate); ok {
		t.Fatal("risk scope is not a placement scope")
	}
	if Mode("paper").Valid() {
		t.Fatal("unknown mode accepted")
	}
}

func TestPrincipalPick(t *testing.T) {
	p := Principal{Scopes: []string{ScopePlaceLive, ScopePlaceSimulate}}
	if got, ok := p.Pick(ScopePlaceSimulate, ScopePlaceLive); !ok || got != ScopePlaceSimulate {
		t.Fatalf("Pick = %q, %v", got, ok)
	}
	if _, ok := p.Pick(ScopeRiskEvaluate); ok {
		t.Fatal("picked a scope the principal lacks")
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("evaluate: %w", Mismatchf("consent scope mismatch"))
	if KindOf(wrapped) != KindMismatch {
		t.Fatalf("KindOf = %s", KindOf(wrapped))
	}
	var te *Error
	if !errors.As(wrapped, &te) || te.HTTPStatus() != http.StatusForbidden {
		t.Fatalf("mismatch should map to 403, got %+v", te)
	}
	if KindOf(errors.New("boom")) != KindInternal || KindOf(nil) != "" {
		t.Fatal("untyped errors are internal, nil has no kind")
	}

	upstream := &Error{Kind: KindGateway, Status: http.StatusForbidden, Message: "denied"}
	if upstream.HTTPStatus() != http.StatusForbidden {
		t.Fatalf("explicit status ignored: %d", upstream.HTTPStatus())
	}

	cause := errors.New("dial tcp: refused")
	w := Wrap(KindGateway, cause, "risk agent unreachable")
	if !errors.Is(w, cause) || w.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("Wrap lost the cause or status: %v", w)
	}
}
