package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// ScorerHandler exposes advisory scoring capability endpoints.
type ScorerHandler struct {
	service service.ScorerStatusService
	logger  zerolog.Logger
}

// NewScorerHandler constructs the scorer handler.
func NewScorerHandler(service service.ScorerStatusService, logger zerolog.Logger) *ScorerHandler {
	return &ScorerHandler{
		service: service,
		logger:  logger.With().Str("component", "scorer_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *ScorerHandler) Register(router fiber.Router) {
	router.Get("/scorer/status", h.status)
	router.Post("/answers/validate", h.validate)
}

func (h *ScorerHandler) status(c *fiber.Ctx) error {
	status := h.service.Status(withRequestContext(c))
	return utils.SendSuccess(c, "scorer status retrieved", status)
}

func (h *ScorerHandler) validate(c *fiber.Ctx) error {
	var payload dto.AnswerValidationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.service.ValidateAnswer(withRequestContext(c), payload)
	switch {
	case err == nil:
		return utils.SendSuccess(c, "answer validated", result)
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case scorer.IsClientError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Warn().Err(err).Msg("answer validation failed")
		return utils.SendError(c, fiber.StatusBadGateway, "scoring capability unavailable")
	}
}
