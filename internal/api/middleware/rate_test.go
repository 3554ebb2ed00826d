package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRateRouter(cfg RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(cfg))
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func ping(router *gin.Engine, addr string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = addr
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitBlocksPastBurst(t *testing.T) {
	router := newRateRouter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})

	assert.Equal(t, http.StatusNoContent, ping(router, "10.0.0.1:5000"))
	assert.Equal(t, http.StatusNoContent, ping(router, "10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, ping(router, "10.0.0.1:5000"))
}

func TestRateLimitIsolatesClients(t *testing.T) {
	router := newRateRouter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	assert.Equal(t, http.StatusNoContent, ping(router, "10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, ping(router, "10.0.0.1:5000"))

	// Another address has its own bucket.
	assert.Equal(t, http.StatusNoContent, ping(router, "10.0.0.2:5000"))
}

func TestRateLimitEvictsIdleClients(t *testing.T) {
	router := newRateRouter(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		IdleTimeout:       10 * time.Millisecond,
	})

	assert.Equal(t, http.StatusNoContent, ping(router, "10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, ping(router, "10.0.0.1:5000"))

	// Past the idle timeout the entry is swept. A 1 rps bucket would
	// still be empty after 30ms, so success means a fresh limiter.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, http.StatusNoContent, ping(router, "10.0.0.1:5000"))
}
