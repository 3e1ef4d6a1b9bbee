package server

import (
	"log/slog"
	"net/http"
	"time"
)

// LogRequests is an HTTP middleware that logs each request's method,
// path, client IP, and handling duration at info level.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "ip", ClientIP(r), "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
