package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/sectorwars/internal/auth"
	"github.com/example/sectorwars/internal/logging"
)

func TestMatchLongestPrefix(t *testing.T) {
	l := New(DefaultRules(), DefaultFallback, logging.Nop())
	cases := map[string]string{
		"/api/auth/token":      "auth",
		"/api/admin/security":  "admin",
		"/api/travel":          "api",
		"/ws":                  "websocket",
		"/health":              "default",
		"/api":                 "default",
		"/api/admin/audit/x/y": "admin",
	}
	for path, want := range cases {
		if got := l.match(path).Name; got != want {
			t.Errorf("match(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	if got := ClientKey(r); got != "ip:10.0.0.9" {
		t.Fatalf("remote key = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.4, 10.0.0.1")
	if got := ClientKey(r); got != "ip:203.0.113.4" {
		t.Fatalf("forwarded key = %q", got)
	}
	claims := &auth.UserClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}}
	r = r.WithContext(auth.WithUser(r.Context(), claims))
	if got := ClientKey(r); got != "user:u1" {
		t.Fatalf("user key = %q", got)
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	now := time.Date(2026, time.May, 1, 9, 0, 0, 0, time.UTC)
	l := New(DefaultRules(), DefaultFallback, logging.Nop())
	l.now = func() time.Time { return now }
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		if rec := do("/api/auth/token", "1.1.1.1:1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := do("/api/auth/token", "1.1.1.1:1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth request status = %d, want 429", rec.Code)
	}
	if secs, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || secs < 11 || secs > 13 {
		t.Fatalf("Retry-After = %q, want about 12", rec.Header().Get("Retry-After"))
	}

	// Other clients and other rules keep their own budgets.
	if rec := do("/api/auth/token", "2.2.2.2:1"); rec.Code != http.StatusNoContent {
		t.Fatalf("second client status = %d", rec.Code)
	}
	if rec := do("/api/market", "1.1.1.1:1"); rec.Code != http.StatusNoContent {
		t.Fatalf("api rule status = %d", rec.Code)
	}

	now = now.Add(13 * time.Second)
	if rec := do("/api/auth/token", "1.1.1.1:1"); rec.Code != http.StatusNoContent {
		t.Fatalf("after refill status = %d", rec.Code)
	}
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, time.May, 1, 9, 0, 0, 0, time.UTC)
	l := New(DefaultRules(), DefaultFallback, logging.Nop())
	l.now = func() time.Time { return now }
	l.Allow("ip:a", DefaultFallback)
	now = now.Add(time.Hour)
	l.Allow("ip:b", DefaultFallback)

	if n := l.Sweep(now.Add(-10 * time.Minute)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := l.clients["default|ip:b"]; !ok {
		t.Fatal("recent client should survive the sweep")
	}
}
