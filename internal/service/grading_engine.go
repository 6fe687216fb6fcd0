package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// Scorer is the scoring capability as seen by the grading core.
type Scorer interface {
	Grade(ctx context.Context, req scorer.GradeRequest) (scorer.GradeResult, error)
	BatchGrade(ctx context.Context, req scorer.BatchGradeRequest) ([]scorer.GradeResult, error)
	CheckHealth(ctx context.Context) scorer.HealthStatus
}

const (
	defaultHealthChecks     = 3
	defaultHealthCheckDelay = 250 * time.Millisecond
)

// GradingOptions tunes every grading pass. HealthChecks is how many
// consecutive unhealthy answers the preflight needs before it gives up.
type GradingOptions struct {
	ComputeExplanations bool
	HealthPreflight     bool
	HealthChecks        int
	HealthCheckDelay    time.Duration
	BatchConcurrency    int
}

// GradingDependencies groups the collaborators shared by the grading services.
type GradingDependencies struct {
	Questions   repository.QuestionRepository
	Submissions repository.SubmissionRepository
	Scorer      Scorer
	Resolver    DimensionResolver
	Locker      SubmissionLocker
	Events      GradingEventPublisher
	Activity    ActivityService
	Options     GradingOptions
}

// gradingEngine runs the pending -> grading -> graded|error pass for one or many
// submissions. Scoring failures are recorded on the submission; only
// persistence failures are returned.
type gradingEngine struct {
	submissions repository.SubmissionRepository
	scorer      Scorer
	resolver    DimensionResolver
	events      GradingEventPublisher
	options     GradingOptions
	logger      zerolog.Logger
	now         func() time.Time
}

func newGradingEngine(deps GradingDependencies, logger zerolog.Logger) *gradingEngine {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewDimensionResolver()
	}

	options := deps.Options
	if options.HealthChecks <= 0 {
		options.HealthChecks = defaultHealthChecks
	}
	if options.HealthCheckDelay <= 0 {
		options.HealthCheckDelay = defaultHealthCheckDelay
	}

	return &gradingEngine{
		submissions: deps.Submissions,
		scorer:      deps.Scorer,
		resolver:    resolver,
		events:      deps.Events,
		options:     options,
		logger:      logger,
		now:         time.Now,
	}
}

func questionMaxScore(question models.Question) float64 {
	if question.MaxScore <= 0 {
		return 1
	}
	return question.MaxScore
}

// persist writes the whole record. It ignores caller cancellation so an
// abandoned request still leaves a terminal status behind.
func (e *gradingEngine) persist(ctx context.Context, submission *models.Submission) error {
	if err := e.submissions.Update(context.WithoutCancel(ctx), submission); err != nil {
		return fmt.Errorf("persist submission %d: %w", submission.ID, err)
	}
	observability.SubmissionTransitions().WithLabelValues(string(submission.Status)).Inc()
	return nil
}

func (e *gradingEngine) publish(ctx context.Context, eventType string, submission models.Submission) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), NewGradingEvent(eventType, submission, e.now())); err != nil {
		e.logger.Warn().Err(err).Uint("submission_id", submission.ID).Str("event", eventType).Msg("failed to publish grading event")
	}
}

// preflight reports why the capability should not be called, or nil when it may be.
func (e *gradingEngine) preflight(ctx context.Context) error {
	if !e.options.HealthPreflight {
		return nil
	}

	var health scorer.HealthStatus
	for attempt := 1; attempt <= e.options.HealthChecks; attempt++ {
		health = e.scorer.CheckHealth(ctx)
		if health.Healthy {
			return nil
		}
		if attempt == e.options.HealthChecks {
			break
		}

		e.logger.Debug().Int("attempt", attempt).Str("status", health.Status).Msg("scorer reported unhealthy; checking again")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", scorer.ErrUnavailable, ctx.Err())
		case <-time.After(e.options.HealthCheckDelay):
		}
	}

	detail := health.Error
	if detail == "" {
		detail = health.Status
	}
	if detail == "" {
		return scorer.ErrUnavailable
	}
	return fmt.Errorf("%w: %s", scorer.ErrUnavailable, detail)
}

// begin moves a pending submission into grading and persists it.
func (e *gradingEngine) begin(ctx context.Context, submission *models.Submission) error {
	if err := submission.TransitionTo(models.SubmissionStatusGrading); err != nil {
		return err
	}
	return e.persist(ctx, submission)
}

func (e *gradingEngine) complete(ctx context.Context, submission *models.Submission, result scorer.GradeResult, provenance models.GradingProvenance) error {
	if err := submission.Reconcile(result, questionMaxScore(submission.Question), provenance, e.now()); err != nil {
		return err
	}
	if err := e.persist(ctx, submission); err != nil {
		return err
	}

	e.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("question_id", submission.QuestionID).
		Int("attempt", submission.Attempts).
		Str("status", string(submission.Status)).
		Str("mode", provenance.Mode).
		Msg("submission graded")
	e.publish(ctx, GradingEventGraded, *submission)
	return nil
}

func (e *gradingEngine) fail(ctx context.Context, submission *models.Submission, cause error, provenance models.GradingProvenance) error {
	if err := submission.MarkFailed(cause.Error(), provenance, e.now()); err != nil {
		return err
	}
	if err := e.persist(ctx, submission); err != nil {
		return err
	}

	e.logger.Warn().
		Err(cause).
		Uint("submission_id", submission.ID).
		Uint("question_id", submission.QuestionID).
		Int("attempt", submission.Attempts).
		Str("status", string(submission.Status)).
		Msg("submission grading failed")
	e.publish(ctx, GradingEventFailed, *submission)
	return nil
}

// run grades one pending submission individually.
func (e *gradingEngine) run(ctx context.Context, span trace.Span, submission *models.Submission, provenance models.GradingProvenance) error {
	if err := e.begin(ctx, submission); err != nil {
		return err
	}

	plan, err := e.resolver.Resolve(submission.Question)
	if err != nil {
		return e.fail(ctx, submission, err, provenance)
	}
	provenance.Mode = string(plan.Mode)
	span.SetAttributes(attribute.String("grading.mode", provenance.Mode))

	if err := e.preflight(ctx); err != nil {
		return e.fail(ctx, submission, err, provenance)
	}

	return e.score(ctx, submission, plan, provenance)
}

// score issues one /grade call for a submission already in grading.
func (e *gradingEngine) score(ctx context.Context, submission *models.Submission, plan ScoringPlan, provenance models.GradingProvenance) error {
	result, err := e.scorer.Grade(ctx, plan.GradeRequest(*submission, e.options.ComputeExplanations))
	if err != nil {
		return e.fail(ctx, submission, describeScoringFailure(err), provenance)
	}
	return e.complete(ctx, submission, result, provenance)
}

func describeScoringFailure(err error) error {
	if scorer.IsRetryable(err) {
		return fmt.Errorf("scoring capability unavailable after retries: %w", err)
	}
	return err
}
