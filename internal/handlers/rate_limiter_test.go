package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/services"
)

func TestKeyedRateLimiterRefillsPerKey(t *testing.T) {
	now := fixedNow
	limiter := newKeyedRateLimiter(60, 2, func() time.Time { return now })

	assert.True(t, limiter.Allow("user-1"))
	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"))
	assert.True(t, limiter.Allow("user-2"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"))
}

func TestKeyedRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, newKeyedRateLimiter(0, 5, nil))
}

func TestAskAdvisorRateLimited(t *testing.T) {
	calls := 0
	svc := &stubAdvisorService{askFn: func(context.Context, services.AskAdvisorCommand) (services.AdvisorAnswer, error) {
		calls++
		return services.AdvisorAnswer{Advisor: "wellness", Answer: "ok"}, nil
	}}
	r := chi.NewRouter()
	r.Route("/advisors", NewAdvisorHandlers(nil, svc, nil, WithAdvisorRateLimit(1, 1)).Routes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, withIdentity(newRequest(t, http.MethodPost, "/advisors/wellness:ask", `{"prompt":"hi"}`), "user-1", ""))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, withIdentity(newRequest(t, http.MethodPost, "/advisors/wellness:ask", `{"prompt":"again"}`), "user-1", ""))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decodeResponse(t, rr)["error"])
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, 1, calls)
}
