package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newApp(t *testing.T, perMinute int, clk *clock) *fiber.App {
	t.Helper()
	rl := New(Config{MaxRequestsPerMinute: perMinute, Now: clk.Now})
	t.Cleanup(rl.Stop)

	app := fiber.New()
	app.Use(rl.Middleware(func(c *fiber.Ctx) bool { return c.Path() == "/health" }))
	app.Get("/*", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app
}

func get(t *testing.T, app *fiber.App, path, client string) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("X-Client-ID", client)
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestRateLimiter_RejectsOverBudgetAndRefills(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	app := newApp(t, 2, clk)

	assert.Equal(t, fiber.StatusOK, get(t, app, "/search", "a"))
	assert.Equal(t, fiber.StatusOK, get(t, app, "/search", "a"))

	req := httptest.NewRequest("GET", "/search", nil)
	req.Header.Set("X-Client-ID", "a")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get(fiber.HeaderRetryAfter))

	clk.Advance(30 * time.Second)
	assert.Equal(t, fiber.StatusOK, get(t, app, "/search", "a"))
}

func TestRateLimiter_KeysClientsSeparately(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	app := newApp(t, 1, clk)

	assert.Equal(t, fiber.StatusOK, get(t, app, "/search", "a"))
	assert.Equal(t, fiber.StatusTooManyRequests, get(t, app, "/search", "a"))
	assert.Equal(t, fiber.StatusOK, get(t, app, "/search", "b"))
}

func TestRateLimiter_SkipsMatchedRequests(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	app := newApp(t, 1, clk)

	for i := 0; i < 5; i++ {
		assert.Equal(t, fiber.StatusOK, get(t, app, "/health", "a"))
	}
	assert.Equal(t, fiber.StatusOK, get(t, app, "/search", "a"))
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	rl := New(Config{MaxRequestsPerMinute: 1, Now: clk.Now})
	defer rl.Stop()

	ok, _ := rl.take("a")
	require.True(t, ok)
	clk.Advance(11 * time.Minute)
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.buckets)
}
