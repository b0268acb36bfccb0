package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestClientLimiterIsPerClient(t *testing.T) {
	l := newClientLimiter(6)
	now := time.Now()
	if !l.allow("10.0.0.1", now) {
		t.Fatal("first request must pass")
	}
	if l.allow("10.0.0.1", now) {
		t.Fatal("burst of one should reject the immediate second request")
	}
	if !l.allow("10.0.0.2", now) {
		t.Fatal("other clients have their own bucket")
	}
	if !l.allow("10.0.0.1", now.Add(11*time.Second)) {
		t.Fatal("token should refill after 10s")
	}
}

func TestRateLimitMiddlewareSkipsReads(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rateLimit(1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %d limited: %d", i, rec.Code)
		}
	}
	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected POST codes %v", codes)
	}
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *Config) { cfg.RateLimit = 6 })
	codes := make([]int, 2)
	for i, forwarded := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/devices/1/2/backup", nil)
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusNotFound || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("spoofed X-Forwarded-For should share one bucket, got %v", codes)
	}
}
