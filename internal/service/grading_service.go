package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

var (
	// ErrQuestionNotFound indicates the question does not exist.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrGradingForbidden indicates the actor may not act on the submission.
	ErrGradingForbidden = errors.New("not allowed to access this submission")
	// ErrInvalidSubmissionFilter indicates an unknown status filter.
	ErrInvalidSubmissionFilter = errors.New("invalid submission filter")
)

// GradingService owns the submission lifecycle: submit, regrade and reads.
type GradingService interface {
	Submit(ctx context.Context, actor ActivityActor, payload dto.SubmitAnswerRequest) (dto.SubmissionResponse, error)
	Regrade(ctx context.Context, actor ActivityActor, submissionID uint) (dto.SubmissionResponse, error)
	Get(ctx context.Context, actor ActivityActor, submissionID uint) (dto.SubmissionResponse, error)
	List(ctx context.Context, actor ActivityActor, req dto.SubmissionListRequest) (dto.SubmissionListResponse, error)
	History(ctx context.Context, actor ActivityActor, submissionID uint, page, pageSize int) (dto.ActivityListResponse, error)
}

type gradingService struct {
	questions   repository.QuestionRepository
	submissions repository.SubmissionRepository
	locker      SubmissionLocker
	activity    ActivityService
	engine      *gradingEngine
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewGradingService constructs the grading service.
func NewGradingService(deps GradingDependencies, validate *validator.Validate, logger zerolog.Logger) GradingService {
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalSubmissionLocker()
	}

	componentLogger := logger.With().Str("component", "grading_service").Logger()
	return &gradingService{
		questions:   deps.Questions,
		submissions: deps.Submissions,
		locker:      locker,
		activity:    deps.Activity,
		engine:      newGradingEngine(deps, componentLogger),
		validator:   validate,
		logger:      componentLogger,
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/grading"),
	}
}

func (s *gradingService) Submit(ctx context.Context, actor ActivityActor, payload dto.SubmitAnswerRequest) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.submit", trace.WithAttributes(
		attribute.Int64("grading.student_id", int64(actor.ID)),
		attribute.Int64("grading.question_id", int64(payload.QuestionID)),
	))
	defer span.End()

	payload.AnswerText = strings.TrimSpace(payload.AnswerText)
	if err := s.validator.Struct(payload); err != nil {
		span.SetStatus(codes.Error, "validation_failed")
		return dto.SubmissionResponse{}, err
	}

	if actor.role() != RoleStudent || actor.ID == 0 {
		span.SetStatus(codes.Error, "forbidden")
		return dto.SubmissionResponse{}, ErrGradingForbidden
	}

	question, err := s.questions.GetByID(ctx, payload.QuestionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "question_not_found")
			return dto.SubmissionResponse{}, ErrQuestionNotFound
		}
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	unlock, err := s.locker.Lock(ctx, SubmissionLockKey(actor.ID, question.ID))
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}
	defer unlock()

	now := s.engine.now()
	submission, err := s.submissions.GetByStudentAndQuestion(ctx, actor.ID, question.ID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		submission = models.NewSubmission(actor.ID, question.ID, payload.AnswerText, now)
		if err := s.submissions.Create(ctx, &submission); err != nil {
			span.RecordError(err)
			return dto.SubmissionResponse{}, err
		}
		observability.SubmissionTransitions().WithLabelValues(string(submission.Status)).Inc()
	case err != nil:
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	default:
		if err := submission.Resubmit(payload.AnswerText, now); err != nil {
			return dto.SubmissionResponse{}, err
		}
		if err := s.engine.persist(ctx, &submission); err != nil {
			span.RecordError(err)
			return dto.SubmissionResponse{}, err
		}
	}

	submission.Question = question
	span.SetAttributes(
		attribute.Int64("grading.submission_id", int64(submission.ID)),
		attribute.Int("grading.attempt", submission.Attempts),
	)

	if err := s.engine.run(ctx, span, &submission, models.GradingProvenance{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grading_pass_failed")
		return dto.SubmissionResponse{}, err
	}

	span.SetAttributes(attribute.String("grading.status", string(submission.Status)))
	return dto.NewSubmissionResponse(submission), nil
}

func (s *gradingService) Regrade(ctx context.Context, actor ActivityActor, submissionID uint) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.regrade", trace.WithAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Int64("grading.actor_id", int64(actor.ID)),
	))
	defer span.End()

	submission, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	if !canRegrade(actor, submission) {
		span.SetStatus(codes.Error, "forbidden")
		return dto.SubmissionResponse{}, ErrGradingForbidden
	}

	unlock, err := s.locker.Lock(ctx, SubmissionLockKey(submission.StudentID, submission.QuestionID))
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}
	defer unlock()

	submission, err = s.loadSubmission(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	previous := submission.Status
	if err := submission.ResetForRegrade(); err != nil {
		return dto.SubmissionResponse{}, err
	}
	if err := s.engine.persist(ctx, &submission); err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	if err := s.engine.run(ctx, span, &submission, models.GradingProvenance{Regraded: true}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grading_pass_failed")
		return dto.SubmissionResponse{}, err
	}

	if actor.role() != RoleStudent && s.activity != nil {
		_, _ = s.activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     models.ActivityActionSubmissionRegraded,
			EntityType: models.ActivityEntitySubmission,
			EntityID:   &submission.ID,
			Metadata: map[string]interface{}{
				"previous_status": string(previous),
				"status":          string(submission.Status),
			},
		})
	}

	span.SetAttributes(attribute.String("grading.status", string(submission.Status)))
	return dto.NewSubmissionResponse(submission), nil
}

func (s *gradingService) Get(ctx context.Context, actor ActivityActor, submissionID uint) (dto.SubmissionResponse, error) {
	submission, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !canView(actor, submission) {
		return dto.SubmissionResponse{}, ErrGradingForbidden
	}
	return dto.NewSubmissionResponse(submission), nil
}

func (s *gradingService) List(ctx context.Context, actor ActivityActor, req dto.SubmissionListRequest) (dto.SubmissionListResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionListResponse{}, err
	}

	filter := repository.SubmissionFilter{
		QuestionID: req.QuestionID,
		StudentID:  req.StudentID,
		Page:       req.Page,
		PageSize:   req.PageSize,
	}

	if strings.TrimSpace(req.Status) != "" {
		status, ok := models.ParseSubmissionStatus(req.Status)
		if !ok {
			return dto.SubmissionListResponse{}, ErrInvalidSubmissionFilter
		}
		filter.Status = &status
	}

	switch actor.role() {
	case RoleStudent:
		studentID := actor.ID
		filter.StudentID = &studentID
	case RoleTeacher:
		teacherID := actor.ID
		filter.TeacherID = &teacherID
	case RoleAdmin:
	default:
		return dto.SubmissionListResponse{}, ErrGradingForbidden
	}

	submissions, total, err := s.submissions.List(ctx, filter)
	if err != nil {
		return dto.SubmissionListResponse{}, err
	}

	return dto.SubmissionListResponse{
		Items:      dto.NewSubmissionResponseSlice(submissions),
		Pagination: dto.NewPaginationMeta(req.Page, req.PageSize, total),
	}, nil
}

func (s *gradingService) History(ctx context.Context, actor ActivityActor, submissionID uint, page, pageSize int) (dto.ActivityListResponse, error) {
	submission, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return dto.ActivityListResponse{}, err
	}
	if !canView(actor, submission) {
		return dto.ActivityListResponse{}, ErrGradingForbidden
	}
	if s.activity == nil {
		return dto.ActivityListResponse{Items: []dto.ActivityResponse{}, Pagination: dto.NewPaginationMeta(page, pageSize, 0)}, nil
	}
	return s.activity.ListForEntity(ctx, models.ActivityEntitySubmission, submission.ID, page, pageSize)
}

func (s *gradingService) loadSubmission(ctx context.Context, id uint) (models.Submission, error) {
	return loadSubmission(ctx, s.submissions, id)
}

func loadSubmission(ctx context.Context, repo repository.SubmissionRepository, id uint) (models.Submission, error) {
	submission, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}

func ownsQuestion(actor ActivityActor, question models.Question) bool {
	return actor.role() == RoleTeacher && question.IsOwnedBy(actor.ID)
}

func isSubmitter(actor ActivityActor, submission models.Submission) bool {
	return actor.role() == RoleStudent && actor.ID != 0 && submission.StudentID == actor.ID
}

func canRegrade(actor ActivityActor, submission models.Submission) bool {
	return isSubmitter(actor, submission) || ownsQuestion(actor, submission.Question)
}

func canView(actor ActivityActor, submission models.Submission) bool {
	return actor.role() == RoleAdmin || canRegrade(actor, submission)
}
