package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/errors"
	"github.com/wudi/ferry/internal/logging"
)

// Recovery converts panics into opaque 500s. The stack goes to the log,
// never to the client.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternalServer.WithRequestID(GetRequestID(r)).WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
