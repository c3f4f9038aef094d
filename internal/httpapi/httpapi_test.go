package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

func TestWriteErrorMapsKinds(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantKind   string
	}{
		{types.Validationf("qty must be positive"), http.StatusBadRequest, "validation"},
		{types.Unauthorizedf("missing bearer token"), http.StatusUnauthorized, "unauthorized"},
		{types.Forbiddenf("consent user mismatch"), http.StatusForbidden, "forbidden"},
		{types.Mismatchf("consent scope mismatch"), http.StatusForbidden, "mismatch"},
		{types.NotFoundf("consent not found"), http.StatusNotFound, "not_found"},
		{types.Gatewayf("risk down"), http.StatusBadGateway, "gateway"},
		{&types.Error{Kind: types.KindGateway, Status: 429, Message: "slow down"}, 429, "gateway"},
		{errors.New("plain"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, tt.err)
		if rec.Code != tt.wantStatus {
			t.Errorf("%v: status %d, want %d", tt.err, rec.Code, tt.wantStatus)
		}
		var body struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Kind != tt.wantKind || body.Error.Message != tt.err.Error() {
			t.Errorf("%v: body %+v", tt.err, body)
		}
	}
}

func TestReadJSON(t *testing.T) {
	var dst struct {
		Symbol string `json:"symbol"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"symbol":"AAPL","extra":1}`))
	if err := ReadJSON(r, &dst); err != nil || dst.Symbol != "AAPL" {
		t.Fatalf("ReadJSON = %v, %+v", err, dst)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	if err := ReadJSON(r, &dst); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("expected validation error for empty body, got %v", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if err := ReadJSON(r, &dst); !types.IsKind(err, types.KindValidation) {
		t.Fatalf("expected validation error for bad JSON, got %v", err)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id not propagated: %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen, "req_") {
		t.Fatalf("expected generated id, got %q", seen)
	}
}
