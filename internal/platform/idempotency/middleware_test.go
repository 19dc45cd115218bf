package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"balance":12}`))
	})
}

func doRequest(t *testing.T, h http.Handler, uid, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/advisors/gardening:ask", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	code, _ := payload["error"].(string)
	return code
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls int
	h := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(countingHandler(&calls, http.StatusCreated))

	first := doRequest(t, h, "user_1", "key-1", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(replayHeader))

	second := doRequest(t, h, "user_1", "key-1", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayHeader))
	assert.JSONEq(t, `{"balance":12}`, second.Body.String())
	assert.Equal(t, 1, calls)
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	var calls int
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	doRequest(t, h, "user_1", "shared", `{}`)
	rr := doRequest(t, h, "user_2", "shared", `{}`)
	assert.Empty(t, rr.Header().Get(replayHeader))
	assert.Equal(t, 2, calls)
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	var calls int
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	doRequest(t, h, "user_1", "key-1", `{"prompt":"a"}`)
	rr := doRequest(t, h, "user_1", "key-1", `{"prompt":"b"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "idempotency_key_conflict", errorCode(t, rr))
	assert.Equal(t, 1, calls)
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	var calls int
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusServiceUnavailable))

	doRequest(t, h, "user_1", "key-1", `{}`)
	rr := doRequest(t, h, "user_1", "key-1", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, 2, calls)
}

func TestMiddlewareHeaderHandling(t *testing.T) {
	var calls int
	optional := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))
	doRequest(t, optional, "user_1", "", `{}`)
	doRequest(t, optional, "user_1", "", `{}`)
	assert.Equal(t, 2, calls)

	required := Middleware(NewMemoryStore(), WithRequired())(countingHandler(&calls, http.StatusOK))
	rr := doRequest(t, required, "user_1", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "idempotency_key_required", errorCode(t, rr))

	rr = doRequest(t, required, "user_1", strings.Repeat("k", maxKeyLength+1), `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMiddlewareReportsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Reserve(context.Background(), "user_1|key-1", "other", time.Now().UTC(), time.Hour)
	require.NoError(t, err)

	var calls int
	h := Middleware(store)(countingHandler(&calls, http.StatusOK))
	rr := doRequest(t, h, "user_1", "key-1", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	fingerprint := hashBytes([]byte(http.MethodPost + "|/api/v1/advisors/gardening:ask||" + hashBytes([]byte(`{}`))))
	require.NoError(t, store.Release(context.Background(), "user_1|key-1"))
	_, err = store.Reserve(context.Background(), "user_1|key-1", fingerprint, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	rr = doRequest(t, h, "user_1", "key-1", `{}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "idempotency_in_progress", errorCode(t, rr))
	assert.Zero(t, calls)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Complete(ctx, "k", "fp", Response{Status: 200}, fixedTime, time.Minute))

	res, err := store.Reserve(ctx, "k", "fp", fixedTime.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationCompleted, res.State)

	res, err = store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationNew, res.State)
}
