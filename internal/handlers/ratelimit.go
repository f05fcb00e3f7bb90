package handlers

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RateLimiter is the minimal interface required to guard sensitive endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

func allowRequest(limiter RateLimiter, ip, scope string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(rateLimitKey(ip, scope))
}

func rateLimitKey(ip, scope string) string {
	if scope == "" {
		return ip
	}
	return fmt.Sprintf("%s:%s", scope, ip)
}

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// ClientIP returns the caller address. Forwarding headers are honoured only
// when trustProxy is set, and a header value that does not parse as an IP is skipped.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, header := range proxyHeaders {
			value := r.Header.Get(header)
			if header == "X-Forwarded-For" {
				value, _, _ = strings.Cut(value, ",")
			}
			if ip, ok := parseIP(value); ok {
				return ip
			}
		}
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if ip, ok := parseIP(remote); ok {
		return ip
	}
	return remote
}

func parseIP(value string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
