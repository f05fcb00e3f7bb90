package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vidfriends/accessgate/internal/logging"
)

func TestIPRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)
	limiter := NewIPRateLimiter(1, time.Second, 2, time.Minute).(*ipRateLimiter)
	limiter.WithNowFunc(func() time.Time { return now })

	if !limiter.Allow("203.0.113.9") || !limiter.Allow("203.0.113.9") {
		t.Fatal("expected burst to be allowed")
	}
	if limiter.Allow("203.0.113.9") {
		t.Fatal("expected third immediate request to be throttled")
	}
	if !limiter.Allow("198.51.100.7") {
		t.Fatal("expected other addresses to be independent")
	}
}

func TestIPRateLimiterExpiresIdleVisitors(t *testing.T) {
	now := time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)
	limiter := NewIPRateLimiter(1, time.Second, 1, time.Minute).(*ipRateLimiter)
	limiter.WithNowFunc(func() time.Time { return now })

	limiter.Allow("203.0.113.9")
	now = now.Add(2 * time.Minute)
	limiter.Allow("198.51.100.7")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.buckets["203.0.113.9"]; ok {
		t.Fatal("expected idle visitor to be collected")
	}
}

func TestRequestLoggerAddsRequestIDAndRecovers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seenID string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = logging.RequestIDFromContext(r.Context())
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/giftcodes/validate", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if seenID == "" {
		t.Fatal("expected request id on context")
	}
	out := buf.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, seenID) {
		t.Fatalf("unexpected log output %s", out)
	}
	if rec.Header().Get(RequestIDHeader) != seenID {
		t.Fatalf("expected request id header %s", seenID)
	}
}

func TestRequestLoggerReusesIncomingRequestID(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	incoming := "5b1c3f0e-8d1f-4c7a-9a55-0f7b8c2a6d11"

	var seenID string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = logging.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, incoming)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seenID != incoming {
		t.Fatalf("expected incoming id to be reused, got %s", seenID)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\nforged")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seenID == "" || strings.Contains(seenID, "forged") {
		t.Fatalf("expected malformed id to be replaced, got %q", seenID)
	}
}

type recordingObserver struct {
	method string
	route  string
	status int
}

func (o *recordingObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.method, o.route, o.status = method, route, status
}

func TestInstrumentReportsRouteAndStatus(t *testing.T) {
	observer := &recordingObserver{}
	handler := Instrument(observer, "/api/v1/playback/validate", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/playback/validate", nil))

	if observer.method != http.MethodPost || observer.route != "/api/v1/playback/validate" || observer.status != http.StatusGone {
		t.Fatalf("unexpected observation %+v", observer)
	}

	plain := http.NotFoundHandler()
	if got := Instrument(nil, "/", plain); got == nil {
		t.Fatal("expected handler")
	}
}
