package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecordOutcomes(t *testing.T) {
	m := New()

	m.CodeValidated("valid")
	m.CodeValidated("valid")
	m.CodeValidated("expired")
	m.TokenIssued("ok")
	m.ObserveRateLimit("redeem_code", true)
	m.ObserveRateLimit("redeem_code", false)
	m.AddSwept("playback_tokens", 3)
	m.AddSwept("playback_tokens", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GiftCodeValidations.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GiftCodeValidations.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlaybackIssued.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("redeem_code", "limited")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweptRecords.WithLabelValues("playback_tokens")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CodeValidated("valid")
		m.CodeRedeemed("ok")
		m.TokenIssued("ok")
		m.TokenValidated("valid")
		m.ObserveRateLimit("redeem_code", false)
		m.ObserveHTTP(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
		m.AddSwept("rate_windows", 1)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/api/v1/giftcodes/redeem", http.StatusTooManyRequests, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `accessgate_http_requests_total{method="POST",route="/api/v1/giftcodes/redeem",status="429"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}
