package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimitCapsPerAddress(t *testing.T) {
	var hits int
	handler := IPRateLimit(time.Minute, 3)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/send_code", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do("203.0.113.5:4711").Code)
	}
	rec := do("203.0.113.5:4711")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 3, hits)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"]["code"])
	assert.NotZero(t, body["error"]["retry_after_s"])

	// A different address is unaffected.
	assert.Equal(t, http.StatusOK, do("198.51.100.9:4711").Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:4711"
	assert.Equal(t, "203.0.113.5", ClientIP(req))

	// chi RealIP rewrites RemoteAddr without a port.
	req.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}
