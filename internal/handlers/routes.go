package handlers

import (
	"context"
	"net/http"

	"github.com/vidfriends/accessgate/internal/middleware"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Check: deps.Health}
	codes := GiftCodeHandler{Access: deps.Access, Limiter: deps.Limiter, TrustProxyHeaders: deps.TrustProxyHeaders}
	playback := PlaybackHandler{Access: deps.Access, Limiter: deps.Limiter, TrustProxyHeaders: deps.TrustProxyHeaders}

	handle := func(route string, h http.HandlerFunc) {
		mux.Handle(route, middleware.Instrument(deps.Observer, route, h))
	}

	mux.HandleFunc("/healthz", health.Handle)
	handle("/api/v1/giftcodes/validate", codes.Validate)
	handle("/api/v1/giftcodes/redeem", codes.Redeem)
	handle("/api/v1/playback/tokens", playback.Issue)
	handle("/api/v1/playback/validate", playback.Validate)
	handle("/api/v1/playback/revoke", playback.Revoke)

	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
}

// Dependencies aggregates collaborators required by HTTP handlers. Limiter is
// the coarse per-IP throttle applied before the access policies.
type Dependencies struct {
	Access            AccessService
	Limiter           RateLimiter
	Observer          middleware.HTTPObserver
	Metrics           http.Handler
	Health            func(ctx context.Context) error
	TrustProxyHeaders bool
}
