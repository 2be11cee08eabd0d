package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/trimodal-rag/backend/internal/capability"
)

type HealthHandler struct {
	checks  map[string]capability.HealthChecker
	timeout time.Duration
	started time.Time
}

// NewHealthHandler probes checks on every readiness request, each under
// its own timeout.
func NewHealthHandler(checks map[string]capability.HealthChecker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{checks: checks, timeout: timeout, started: time.Now()}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"time":           time.Now().Unix(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Ready answers 503 when any dependency fails its probe.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	results := h.probe(c.UserContext())

	ready := true
	for _, r := range results {
		if !r.Success {
			ready = false
			break
		}
	}
	status, code := "ready", fiber.StatusOK
	if !ready {
		status, code = "not_ready", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
}

func (h *HealthHandler) probe(ctx context.Context) map[string]capability.HealthStatus {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]capability.HealthStatus, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check capability.HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			status := check.HealthCheck(cctx)
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return out
}
