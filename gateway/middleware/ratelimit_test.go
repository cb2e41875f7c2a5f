package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("orders")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on throttled response")
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RatePerSecond: 1, Burst: 1},
		"tokens": {RatePerSecond: 1, Burst: 1},
	}, nil)

	ordersHandler := limiter.Middleware("orders")(okHandler())
	tokensHandler := limiter.Middleware("tokens")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	ordersHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected orders request to succeed, got %d", res.Code)
	}

	tokenReq := httptest.NewRequest(http.MethodGet, "/v1/tokens", nil)
	tokenReq.Header.Set("X-API-Key", "tenant-A")
	tokenRes := httptest.NewRecorder()
	tokensHandler.ServeHTTP(tokenRes, tokenReq)
	if tokenRes.Code != http.StatusOK {
		t.Fatalf("expected first tokens request to succeed, got %d", tokenRes.Code)
	}

	tokenRes = httptest.NewRecorder()
	tokensHandler.ServeHTTP(tokenRes, tokenReq)
	if tokenRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second tokens request to hit limit, got %d", tokenRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/orders": 3,
			},
		},
	}, nil)
	frozen := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return frozen }

	handler := limiter.Middleware("orders")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first create to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second create to exceed the remaining burst, got %d", res.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	listRes := httptest.NewRecorder()
	handler.ServeHTTP(listRes, listReq)
	if listRes.Code != http.StatusOK {
		t.Fatalf("expected list to succeed with default token cost, got %d", listRes.Code)
	}
}

func TestRateLimiterPrefersCallerOverAPIKey(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("orders")(okHandler())

	send := func(caller byte, key string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
		req.Header.Set("X-API-Key", key)
		var id [20]byte
		id[19] = caller
		req = req.WithContext(WithCaller(req.Context(), id))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	if code := send(1, "shared"); code != http.StatusOK {
		t.Fatalf("expected caller 1 to succeed, got %d", code)
	}
	if code := send(2, "shared"); code != http.StatusOK {
		t.Fatalf("expected caller 2 to have its own bucket, got %d", code)
	}
	if code := send(1, "other"); code != http.StatusTooManyRequests {
		t.Fatalf("expected caller 1 to stay limited across keys, got %d", code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RatePerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	limiter.obtainLimiter("orders|a", RateLimit{RatePerSecond: 1, Burst: 1})
	now = now.Add(2 * visitorIdleTTL)
	limiter.obtainLimiter("orders|b", RateLimit{RatePerSecond: 1, Burst: 1})

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.visitors["orders|a"]; ok {
		t.Fatalf("expected idle visitor to be evicted")
	}
	if _, ok := limiter.visitors["orders|b"]; !ok {
		t.Fatalf("expected active visitor to be retained")
	}
}
