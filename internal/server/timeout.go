package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware caps every request context at the given duration.
// Cancellation is cooperative: handlers observe ctx.Done() themselves.
// http.TimeoutHandler is deliberately not used because it would hide the
// http.Flusher the stream endpoint needs.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
