package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// SubmissionHandler exposes the grading lifecycle over HTTP.
type SubmissionHandler struct {
	grading  service.GradingService
	batch    service.BatchGradingService
	override service.OverrideService
	submit   []fiber.Handler
	logger   zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance. Extra submit
// middlewares (rate limiting) run only on POST /submissions.
func NewSubmissionHandler(grading service.GradingService, batch service.BatchGradingService, override service.OverrideService, logger zerolog.Logger, submitMiddlewares ...fiber.Handler) *SubmissionHandler {
	return &SubmissionHandler{
		grading:  grading,
		batch:    batch,
		override: override,
		submit:   submitMiddlewares,
		logger:   logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	submitChain := append(append([]fiber.Handler{}, h.submit...), h.create)

	router.Get("", h.list)
	router.Post("", submitChain...)
	router.Post("/batch-grade", h.batchGrade)
	router.Get("/:id", h.get)
	router.Get("/:id/activity", h.history)
	router.Post("/:id/regrade", h.regrade)
	router.Patch("/:id/override", h.overrideScore)
}

func (h *SubmissionHandler) create(c *fiber.Ctx) error {
	var payload dto.SubmitAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.grading.Submit(withRequestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("submission_id", submission.ID).
		Uint("question_id", submission.QuestionID).
		Int("attempt", submission.Attempts).
		Str("status", submission.Status).
		Msg("submission processed")

	return utils.SendSuccess(c, "submission processed", submission)
}

func (h *SubmissionHandler) list(c *fiber.Ctx) error {
	var req dto.SubmissionListRequest
	var err error

	if req.QuestionID, err = parseQueryUint(c, "question_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if req.StudentID, err = parseQueryUint(c, "student_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if req.Page, err = parseQueryInt(c, "page"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if req.PageSize, err = parseQueryInt(c, "page_size"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	req.Status = c.Query("status")

	submissions, err := h.grading.List(withRequestContext(c), activityActorFromContext(c), req)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submissions retrieved", submissions)
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.grading.Get(withRequestContext(c), activityActorFromContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission retrieved", submission)
}

func (h *SubmissionHandler) history(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	entries, err := h.grading.History(withRequestContext(c), activityActorFromContext(c), id, page, pageSize)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission activity retrieved", entries)
}

func (h *SubmissionHandler) regrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.grading.Regrade(withRequestContext(c), activityActorFromContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission regraded", submission)
}

func (h *SubmissionHandler) overrideScore(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.OverrideScoreRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.override.Override(withRequestContext(c), activityActorFromContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission score overridden", submission)
}

func (h *SubmissionHandler) batchGrade(c *fiber.Ctx) error {
	var payload dto.BatchGradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.batch.GradeBatch(withRequestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Int("total", result.Summary.Total).
		Int("graded", result.Summary.Graded).
		Int("failed", result.Summary.Failed).
		Msg("batch grading completed")

	return utils.SendSuccess(c, "batch grading completed", result)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	case errors.Is(err, service.ErrOverrideReasonEmpty),
		errors.Is(err, service.ErrInvalidSubmissionFilter),
		errors.Is(err, models.ErrScoreOutOfRange):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrQuestionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "question not found")
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrGradingForbidden):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrOverrideNotAllowed),
		errors.Is(err, service.ErrLockUnavailable):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
