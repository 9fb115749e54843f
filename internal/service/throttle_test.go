package service_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atmx/ledger-engine/internal/service"
)

func TestThrottle(t *testing.T) {
	throttle := service.NewThrottle(1, 2, nil)
	h := throttle.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest("GET", "/api/v1/pools/p1", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if send("10.0.0.1:1000") != http.StatusNoContent || send("10.0.0.1:1001") != http.StatusNoContent {
		t.Fatal("burst should be admitted")
	}
	if code := send("10.0.0.1:1002"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 past burst, got %d", code)
	}
	// a different host has its own bucket
	if code := send("10.0.0.2:1000"); code != http.StatusNoContent {
		t.Errorf("other clients should not be throttled, got %d", code)
	}
}
