package middleware

import (
	"net/http"
	"time"
)

// HTTPObserver records request outcomes.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// Instrument reports every request served by next under route. A nil observer
// returns next unchanged.
func Instrument(observer HTTPObserver, route string, next http.Handler) http.Handler {
	if observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w}
		defer func() {
			observer.ObserveHTTP(r.Method, route, wrapped.Status(), time.Since(start))
		}()
		next.ServeHTTP(wrapped, r)
	})
}
