package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ErrOverrideReasonEmpty indicates the reason was blank once markup was stripped.
var ErrOverrideReasonEmpty = errors.New("override reason is empty after sanitization")

// OverrideService applies human scores on top of machine grading.
type OverrideService interface {
	Override(ctx context.Context, actor ActivityActor, submissionID uint, payload dto.OverrideScoreRequest) (dto.SubmissionResponse, error)
}

type overrideService struct {
	submissions repository.SubmissionRepository
	locker      SubmissionLocker
	activity    ActivityRecorder
	engine      *gradingEngine
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewOverrideService constructs the override manager.
func NewOverrideService(deps GradingDependencies, validate *validator.Validate, logger zerolog.Logger) OverrideService {
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalSubmissionLocker()
	}

	var activity ActivityRecorder
	if deps.Activity != nil {
		activity = deps.Activity
	}

	componentLogger := logger.With().Str("component", "override_service").Logger()
	return &overrideService{
		submissions: deps.Submissions,
		locker:      locker,
		activity:    activity,
		engine:      newGradingEngine(deps, componentLogger),
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      componentLogger,
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/override"),
	}
}

func (s *overrideService) Override(ctx context.Context, actor ActivityActor, submissionID uint, payload dto.OverrideScoreRequest) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.override", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Int64("grading.actor_id", int64(actor.ID)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.SetStatus(codes.Error, "validation_failed")
		return dto.SubmissionResponse{}, err
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(payload.Reason))
	if reason == "" {
		span.SetStatus(codes.Error, "validation_failed")
		return dto.SubmissionResponse{}, ErrOverrideReasonEmpty
	}

	submission, err := loadSubmission(ctx, s.submissions, submissionID)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	if !ownsQuestion(actor, submission.Question) {
		span.SetStatus(codes.Error, "forbidden")
		return dto.SubmissionResponse{}, ErrGradingForbidden
	}

	unlock, err := s.locker.Lock(ctx, SubmissionLockKey(submission.StudentID, submission.QuestionID))
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}
	defer unlock()

	submission, err = loadSubmission(ctx, s.submissions, submissionID)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	var previous *float64
	if submission.OverallScore != nil {
		value := *submission.OverallScore
		previous = &value
	}

	score := *payload.Score
	if err := submission.ApplyOverride(actor.ID, score, reason, questionMaxScore(submission.Question), s.engine.now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override_rejected")
		return dto.SubmissionResponse{}, err
	}

	if err := s.engine.persist(ctx, &submission); err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("actor_id", actor.ID).
		Float64("score", score).
		Msg("submission score overridden")

	if s.activity != nil {
		metadata := map[string]interface{}{
			"student_id":     submission.StudentID,
			"question_id":    submission.QuestionID,
			"new_score":      score,
			"original_score": submission.ManualOverride.OriginalScore,
			"previous_score": previous,
			"reason":         reason,
		}
		if _, err := s.activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     models.ActivityActionSubmissionOverridden,
			EntityType: models.ActivityEntitySubmission,
			EntityID:   &submission.ID,
			Metadata:   metadata,
		}); err != nil {
			s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to record override activity")
			span.RecordError(err)
		}
	}

	s.engine.publish(ctx, GradingEventOverridden, submission)

	span.SetAttributes(
		attribute.Float64("grading.score", score),
		attribute.String("grading.status", string(submission.Status)),
	)
	return dto.NewSubmissionResponse(submission), nil
}
