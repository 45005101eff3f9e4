package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied within limit", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request over limit allowed")
	}
}

func TestAllowPerAddress(t *testing.T) {
	rl := New(1, time.Minute)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first address denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second address shares the first address's window")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first address allowed over limit")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	rl := New(1, time.Minute)
	current := time.Now()
	rl.now = func() time.Time { return current }

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("second request in window allowed")
	}

	current = current.Add(61 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("request denied after window elapsed")
	}
}

func TestAllowZeroLimit(t *testing.T) {
	rl := New(0, time.Minute)
	if rl.Allow("10.0.0.1") {
		t.Error("zero limit allowed a request")
	}
}

func TestMiddleware(t *testing.T) {
	rl := New(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	// same client, different source port, same window
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:2222"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}
