package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ILLUVRSE/trustcore/internal/server"
)

func limitedRouter(rps, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(server.RateLimiter(rps, burst))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func hitFrom(r *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_throttlesBeyondBurst(t *testing.T) {
	r := limitedRouter(1, 2)

	for i := 0; i < 2; i++ {
		if w := hitFrom(r, "10.0.0.1:4000"); w.Code != http.StatusNoContent {
			t.Fatalf("request %d within burst: got %d", i+1, w.Code)
		}
	}

	w := hitFrom(r, "10.0.0.1:4000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past burst, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("missing Retry-After header")
	}
}

func TestRateLimiter_bucketsAreSeparatePerClient(t *testing.T) {
	r := limitedRouter(1, 1)

	if w := hitFrom(r, "10.0.0.1:4000"); w.Code != http.StatusNoContent {
		t.Fatalf("first client first request: got %d", w.Code)
	}
	if w := hitFrom(r, "10.0.0.1:4000"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("first client should be throttled, got %d", w.Code)
	}

	// A different caller has its own budget.
	if w := hitFrom(r, "10.0.0.2:4000"); w.Code != http.StatusNoContent {
		t.Errorf("second client should not share the first client's bucket, got %d", w.Code)
	}
}
