package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/melodygen/internal/worker"
	"github.com/makeasinger/melodygen/pkg/response"
)

const healthTimeout = 3 * time.Second

// HealthHandler reports the store and the optional collaborators. Only a
// failing store makes the service unhealthy; the others degrade it.
type HealthHandler struct {
	store  func(ctx context.Context) error
	checks []worker.HealthCheck
}

func NewHealthHandler(storeCheck func(ctx context.Context) error, checks ...worker.HealthCheck) *HealthHandler {
	return &HealthHandler{store: storeCheck, checks: checks}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	status := "ok"
	results := fiber.Map{}
	if h.store != nil {
		if err := h.store(ctx); err != nil {
			results["store"] = err.Error()
			return response.Unavailable(c, fiber.Map{"status": "unhealthy", "checks": results})
		}
		results["store"] = "ok"
	}
	for _, hc := range h.checks {
		if err := hc.Check(ctx); err != nil {
			results[hc.Name] = err.Error()
			status = "degraded"
			continue
		}
		results[hc.Name] = "ok"
	}
	return response.OK(c, fiber.Map{"status": status, "checks": results})
}
