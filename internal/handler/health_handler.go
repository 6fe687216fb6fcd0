package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// ScorerProbe reports the scoring capability's health.
type ScorerProbe interface {
	CheckHealth(ctx context.Context) scorer.HealthStatus
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Scorer      string    `json:"scorer,omitempty"`
}

// HealthCheck returns a handler that reports application health information.
// An unhealthy scorer turns the status to "degraded" and still answers 200.
func HealthCheck(cfg config.Config, probe ScorerProbe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}

		if probe != nil {
			ctx, cancel := context.WithTimeout(withRequestContext(c), 3*time.Second)
			defer cancel()

			payload.Scorer = "healthy"
			if health := probe.CheckHealth(ctx); !health.Healthy {
				payload.Status = "degraded"
				payload.Scorer = "unhealthy"
			}
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
