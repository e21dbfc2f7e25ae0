package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/kiranshivaraju/strokelab/internal/api/middleware"
	"github.com/kiranshivaraju/strokelab/internal/cache"
)

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func redisCounter(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewRedisCacheFromClient(rdb), mr
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x", nil)
	req.RemoteAddr = addr
	return req
}

type brokenCounter struct{}

func (brokenCounter) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	c, _ := redisCounter(t)
	handler := mw.NewRateLimit(c, 3).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimitPerClient(t *testing.T) {
	c, _ := redisCounter(t)
	handler := mw.NewRateLimit(c, 2).Limit(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		// Different source ports, same client.
		handler.ServeHTTP(w, requestFrom("10.0.0.1:500"+string(rune('0'+i))))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:6000"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])

	// Another client has its own budget.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:6000"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_WindowExpires(t *testing.T) {
	c, mr := redisCounter(t)
	handler := mw.NewRateLimit(c, 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:1"))
	require.Equal(t, http.StatusOK, w.Code)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	mr.FastForward(61 * time.Second)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	handler := mw.NewRateLimit(brokenCounter{}, 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.4:1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	c, _ := redisCounter(t)
	handler := mw.NewRateLimit(c, 0).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.5:1"))
	assert.Equal(t, "120", w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_RepanicsOnAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesStatusThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(mw.Logger)
	r.Get("/jobs/{jobID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
