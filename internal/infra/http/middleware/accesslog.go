package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/xavierca1/leadsync/internal/logger"
)

// AccessLog logs method, path, status and elapsed time of every request.
// Requests at or over slow are logged as warnings.
func AccessLog(slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			ctx := logger.WithRequest(r.Context(), chimw.GetReqID(r.Context()), "")
			log := logger.C(ctx, nil)
			evt := log.Info()
			if slow > 0 && elapsed >= slow {
				evt = log.Warn()
			}
			evt.Int("status", rw.statusCode).
				Dur("elapsed", elapsed).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("request done")
		})
	}
}
