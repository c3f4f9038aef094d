// Package httpapi holds the JSON helpers shared by every service router.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

const maxBodyBytes = 1 << 20

type requestIDKey struct{}

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestID tags each request with an id, reusing X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as {"error": {"kind", "message"}} with the status of its kind.
func WriteError(w http.ResponseWriter, err error) {
	kind := types.KindInternal
	status := http.StatusInternalServerError
	msg := "unknown error"
	var te *types.Error
	if errors.As(err, &te) {
		kind = te.Kind
		status = te.HTTPStatus()
		msg = te.Error()
	} else if err != nil {
		msg = err.Error()
	}
	WriteJSON(w, status, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": msg,
		},
	})
}

// ReadJSON decodes the request body into dst. Unknown fields are ignored.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return types.Validationf("request body is required")
		}
		return types.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": service})
	}
}
