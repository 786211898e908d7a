package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/haggle/internal/config"
)

// offerBurst is how many offers or messages an actor may send back to back
// before the hourly cap paces them.
const offerBurst = 5

type bucket struct {
	tokens float64
	max    float64
	perSec float64
	last   time.Time
}

// take refills the bucket up to now and spends one token. When empty it
// reports how long until a token is available.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.tokens = math.Min(b.max, b.tokens+now.Sub(b.last).Seconds()*b.perSec)
	b.last = now
	// Slack absorbs float error from refills like 1200s × (3/3600).
	if b.tokens >= 1-1e-9 {
		b.tokens = math.Max(0, b.tokens-1)
		return true, 0
	}
	wait := (1 - b.tokens) / b.perSec
	return false, time.Duration(wait * float64(time.Second))
}

// RateLimitMiddleware enforces token buckets per caller. Every request draws
// from the caller's request bucket; offers and messages also draw from a
// per-actor offer bucket so a buyer cannot flood a seller.
type RateLimitMiddleware struct {
	cfg      config.RateLimitConfig
	now      func() time.Time
	onReject func(ctx context.Context)

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	return &RateLimitMiddleware{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// OnReject registers fn to run for every rejected request.
func (rl *RateLimitMiddleware) OnReject(fn func(ctx context.Context)) {
	rl.onReject = fn
}

// SetClock replaces the limiter's time source.
func (rl *RateLimitMiddleware) SetClock(now func() time.Time) {
	rl.mu.Lock()
	rl.now = now
	rl.mu.Unlock()
}

// StartEviction drops buckets idle for maxAge every interval until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxAge)
	evicted := 0
	for key, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpsPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if ok, wait := rl.allow(r); !ok {
			if rl.onReject != nil {
				rl.onReject(r.Context())
			}
			secs := int(math.Ceil(wait.Seconds() - 1e-6))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Reason: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) allow(r *http.Request) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()

	req := rl.bucket("req:"+callerKey(r), float64(rl.cfg.BurstSize), float64(rl.cfg.RequestsPerMinute)/60, now)
	if ok, wait := req.take(now); !ok {
		return false, wait
	}
	actor := r.Header.Get(HeaderActorID)
	if rl.cfg.OffersPerHour <= 0 || actor == "" || !isOfferWrite(r) {
		return true, 0
	}
	burst := math.Min(offerBurst, float64(rl.cfg.OffersPerHour))
	offers := rl.bucket("offer:"+actor, burst, float64(rl.cfg.OffersPerHour)/3600, now)
	return offers.take(now)
}

// bucket returns the bucket for key, creating a full one. Callers hold mu.
func (rl *RateLimitMiddleware) bucket(key string, burst, perSec float64, now time.Time) *bucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, max: burst, perSec: perSec, last: now}
		rl.buckets[key] = b
	}
	return b
}

// callerKey picks the API key, then the acting user, then the remote address.
func callerKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	if actor := r.Header.Get(HeaderActorID); actor != "" {
		return "actor:" + actor
	}
	return "addr:" + r.RemoteAddr
}

func isOfferWrite(r *http.Request) bool {
	return r.Method == http.MethodPost &&
		(strings.HasSuffix(r.URL.Path, "/offers") || strings.HasSuffix(r.URL.Path, "/messages"))
}
