// Package middleware provides the status server's HTTP middleware.
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/internal/observability"
)

// ErrorResponse is the JSON envelope produced for handler failures.
type ErrorResponse = apperrors.HTTPErrorResponse

type ctxKey int

const requestIDKey ctxKey = 0

// RequestID assigns each request an id, honoring an inbound X-Request-ID
// header, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the request id assigned by RequestID, if any.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery converts handler panics into a JSON 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.CLILogger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				apperrors.WriteHTTPError(w, http.StatusInternalServerError,
					apperrors.CodeInternal,
					fmt.Sprintf("panic: %v", rec),
					GetRequestID(r.Context()), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under its historical name; both are kept so
// router wiring reads naturally at either call site.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}
