package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is the header carrying the per-request id.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID assigns every request a 128-bit id, echoed on the response and
// stored in the context. Incoming ids are trusted when present.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			r.Header.Set(RequestIDHeader, id)
			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID extracts the request id from a request's context.
func GetRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
