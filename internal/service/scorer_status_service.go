package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// ScorerInspector exposes the advisory endpoints of the scoring capability.
type ScorerInspector interface {
	CheckHealth(ctx context.Context) scorer.HealthStatus
	ValidateAnswer(ctx context.Context, text string) (scorer.AnswerValidation, error)
	ListModels(ctx context.Context) (scorer.ModelCatalog, error)
}

// ScorerStatusService reports on the scoring capability. It never changes submissions.
type ScorerStatusService interface {
	Status(ctx context.Context) dto.ScorerStatusResponse
	ValidateAnswer(ctx context.Context, payload dto.AnswerValidationRequest) (dto.AnswerValidationResponse, error)
}

type scorerStatusService struct {
	inspector ScorerInspector
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewScorerStatusService constructs the status service.
func NewScorerStatusService(inspector ScorerInspector, validate *validator.Validate, logger zerolog.Logger) ScorerStatusService {
	return &scorerStatusService{
		inspector: inspector,
		validator: validate,
		logger:    logger.With().Str("component", "scorer_status_service").Logger(),
		now:       time.Now,
	}
}

func (s *scorerStatusService) Status(ctx context.Context) dto.ScorerStatusResponse {
	health := s.inspector.CheckHealth(ctx)

	var catalog scorer.ModelCatalog
	if health.Healthy {
		listed, err := s.inspector.ListModels(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to list scorer models")
		} else {
			catalog = listed
		}
	}

	return dto.NewScorerStatusResponse(health, catalog, s.now().UTC())
}

func (s *scorerStatusService) ValidateAnswer(ctx context.Context, payload dto.AnswerValidationRequest) (dto.AnswerValidationResponse, error) {
	payload.AnswerText = strings.TrimSpace(payload.AnswerText)
	if err := s.validator.Struct(payload); err != nil {
		return dto.AnswerValidationResponse{}, err
	}

	result, err := s.inspector.ValidateAnswer(ctx, payload.AnswerText)
	if err != nil {
		return dto.AnswerValidationResponse{}, err
	}

	return dto.NewAnswerValidationResponse(result), nil
}
