package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(rate.Limit(1), 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/events/doctor/x", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burst of 2, then the bucket is empty.
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1111"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3333"))

	// Limits are per IP, not global.
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1111"))
}
