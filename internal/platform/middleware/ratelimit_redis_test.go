package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeCounter struct {
	counts  map[string]int64
	expires int
	err     error
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.expires++
	return redis.NewBoolResult(true, nil)
}

func TestSharedRateLimit(t *testing.T) {
	counter := &fakeCounter{}
	e := echo.New()
	handler := SharedRateLimit(counter, 2, time.Hour, zerolog.Nop())(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		if err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}
	if counter.expires != 1 {
		t.Errorf("expected expiry set once per window, got %d", counter.expires)
	}

	rec := httptest.NewRecorder()
	err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestSharedRateLimit_FailsOpen(t *testing.T) {
	counter := &fakeCounter{err: errors.New("connection refused")}
	e := echo.New()
	called := false
	handler := SharedRateLimit(counter, 1, time.Minute, zerolog.Nop())(func(c echo.Context) error {
		called = true
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())); err != nil {
			t.Fatalf("expected request through when redis is down, got %v", err)
		}
	}
	if !called {
		t.Error("expected handler to be called")
	}
}
