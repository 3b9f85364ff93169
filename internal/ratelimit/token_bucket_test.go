package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, 0.001, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2)

	d, err := bucket.Allow(ctx, "supervisor")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "supervisor")
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "supervisor")
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	// Buckets are per key.
	d, _ = bucket.Allow(ctx, "operator")
	assert.True(t, d.Allowed)

	// Refill cannot be tested with miniredis.FastForward() because the script receives time
	// from Go's time.Now(), not Redis's clock.
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	bucket := newBucket(t, 1)
	rejected := 0
	h := bucket.Middleware(func(r *http.Request) string { return r.Header.Get("X-Actor-Name") }, func() { rejected++ })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/jobs/1/workflow/start", nil)
		req.Header.Set("X-Actor-Name", "printing-sup")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, rejected)
}
