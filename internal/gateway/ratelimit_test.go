package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	rejected := 0
	rl.OnReject(func(context.Context) { rejected++ })
	h := rl.Wrap(okHandler())

	key := map[string]string{"X-API-Key": "k1"}
	for i := 0; i < 3; i++ {
		if rec := hit(h, "/negotiations", key); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(h, "/negotiations", key)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rejected != 1 {
		t.Fatalf("expected 1 reject callback, got %d", rejected)
	}
}

func TestRateLimit_BucketsPerKeyAndActor(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	h := rl.Wrap(okHandler())

	if rec := hit(h, "/negotiations", map[string]string{"X-API-Key": "a"}); rec.Code != http.StatusOK {
		t.Fatalf("key a: expected 200, got %d", rec.Code)
	}
	if rec := hit(h, "/negotiations", map[string]string{"X-API-Key": "a"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key a: expected 429, got %d", rec.Code)
	}
	if rec := hit(h, "/negotiations", map[string]string{"X-API-Key": "b"}); rec.Code != http.StatusOK {
		t.Fatalf("key b: expected 200, got %d", rec.Code)
	}
	// Without a key, callers are bucketed by actor.
	if rec := hit(h, "/negotiations", map[string]string{"X-Actor-ID": "buyer-1"}); rec.Code != http.StatusOK {
		t.Fatalf("buyer-1: expected 200, got %d", rec.Code)
	}
	if rec := hit(h, "/negotiations", map[string]string{"X-Actor-ID": "buyer-2"}); rec.Code != http.StatusOK {
		t.Fatalf("buyer-2: expected 200, got %d", rec.Code)
	}
	if rl.BucketCount() != 4 {
		t.Fatalf("expected 4 buckets, got %d", rl.BucketCount())
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for refill")
	}
	// 600/min refills one token every 100ms.
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 1})
	h := rl.Wrap(okHandler())
	key := map[string]string{"X-API-Key": "refill"}

	if rec := hit(h, "/items/x", key); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := hit(h, "/items/x", key); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	time.Sleep(250 * time.Millisecond)
	if rec := hit(h, "/items/x", key); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_ProbesBypass(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	h := rl.Wrap(okHandler())

	hit(h, "/negotiations", nil)
	if rec := hit(h, "/negotiations", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	for _, p := range []string{"/healthz", "/metrics", "/metrics/prometheus"} {
		if rec := hit(h, p, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10})
	h := rl.Wrap(okHandler())
	for _, k := range []string{"k1", "k2", "k3"} {
		hit(h, "/negotiations", map[string]string{"X-API-Key": k})
	}
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets after no-op eviction, got %d", rl.BucketCount())
	}
	rl.EvictStale(-time.Second)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected 0 buckets, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{})
	h := rl.Wrap(okHandler())
	for i := 0; i < 50; i++ {
		if rec := hit(h, "/negotiations", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("disabled limiter should not track buckets, got %d", rl.BucketCount())
	}
}

func TestRateLimit_OfferCapPerActor(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 100, OffersPerHour: 3})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rl.SetClock(func() time.Time { return now })
	h := rl.Wrap(okHandler())

	post := func(path, actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(gateway.HeaderActorID, actor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 3; i++ {
		if rec := post("/negotiations/n1/offers", "buyer-1"); rec.Code != http.StatusOK {
			t.Fatalf("offer %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := post("/negotiations/n1/messages", "buyer-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected offer cap, got %d", rec.Code)
	}
	// One token per 20 minutes at 3/hour.
	if got := rec.Header().Get("Retry-After"); got != "1200" {
		t.Fatalf("Retry-After = %q, want 1200", got)
	}

	// Reads and other actors are unaffected.
	if rec := hit(h, "/negotiations/n1/offers", map[string]string{gateway.HeaderActorID: "buyer-1"}); rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rec.Code)
	}
	if rec := post("/items/i1/offers", "buyer-2"); rec.Code != http.StatusOK {
		t.Fatalf("other actor: expected 200, got %d", rec.Code)
	}

	now = now.Add(20 * time.Minute)
	if rec := post("/negotiations/n1/offers", "buyer-1"); rec.Code != http.StatusOK {
		t.Fatalf("after refill: expected 200, got %d", rec.Code)
	}
}
