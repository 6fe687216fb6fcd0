package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// ErrBatchMisaligned indicates the batch response cannot be mapped back onto its inputs.
var ErrBatchMisaligned = errors.New("batch results do not align with submitted answers")

const (
	batchItemNotFound  = "submission not found"
	batchItemForbidden = "not allowed to grade this question"
)

// BatchGradingService grades many submissions, grouped by question.
type BatchGradingService interface {
	GradeBatch(ctx context.Context, actor ActivityActor, payload dto.BatchGradeRequest) (dto.BatchGradeResponse, error)
}

type batchGradingService struct {
	submissions repository.SubmissionRepository
	locker      SubmissionLocker
	activity    ActivityRecorder
	engine      *gradingEngine
	concurrency int
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
}

type questionGroup struct {
	question models.Question
	ids      []uint
	members  []models.Submission
}

// NewBatchGradingService constructs the batch coordinator. Groups run one at a
// time unless Options.BatchConcurrency is raised.
func NewBatchGradingService(deps GradingDependencies, validate *validator.Validate, logger zerolog.Logger) BatchGradingService {
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalSubmissionLocker()
	}

	concurrency := deps.Options.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var activity ActivityRecorder
	if deps.Activity != nil {
		activity = deps.Activity
	}

	componentLogger := logger.With().Str("component", "batch_grading_service").Logger()
	return &batchGradingService{
		submissions: deps.Submissions,
		locker:      locker,
		activity:    activity,
		engine:      newGradingEngine(deps, componentLogger),
		concurrency: concurrency,
		validator:   validate,
		logger:      componentLogger,
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/batch_grading"),
	}
}

func (s *batchGradingService) GradeBatch(ctx context.Context, actor ActivityActor, payload dto.BatchGradeRequest) (dto.BatchGradeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.batch", trace.WithAttributes(
		attribute.Int64("grading.actor_id", int64(actor.ID)),
		attribute.Int("grading.batch_size", len(payload.SubmissionIDs)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.SetStatus(codes.Error, "validation_failed")
		return dto.BatchGradeResponse{}, err
	}

	if actor.role() != RoleTeacher || actor.ID == 0 {
		span.SetStatus(codes.Error, "forbidden")
		return dto.BatchGradeResponse{}, ErrGradingForbidden
	}

	ids := uniqueIDs(payload.SubmissionIDs)
	fetched, err := s.submissions.ListByIDs(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return dto.BatchGradeResponse{}, err
	}

	found := make(map[uint]models.Submission, len(fetched))
	for _, submission := range fetched {
		found[submission.ID] = submission
	}

	outcomes := make(map[uint]dto.BatchGradeItem, len(ids))
	var outcomesMu sync.Mutex
	record := func(item dto.BatchGradeItem) {
		outcomesMu.Lock()
		outcomes[item.SubmissionID] = item
		outcomesMu.Unlock()
	}

	var groups []*questionGroup
	byQuestion := make(map[uint]*questionGroup)
	for _, id := range ids {
		submission, ok := found[id]
		if !ok {
			record(dto.BatchGradeItem{SubmissionID: id, Status: string(models.SubmissionStatusError), Error: batchItemNotFound})
			continue
		}
		group, ok := byQuestion[submission.QuestionID]
		if !ok {
			group = &questionGroup{question: submission.Question}
			byQuestion[submission.QuestionID] = group
			groups = append(groups, group)
		}
		group.ids = append(group.ids, id)
		group.members = append(group.members, submission)
	}
	span.SetAttributes(attribute.Int("grading.batch_groups", len(groups)))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, item := range s.gradeGroup(ctx, actor, group) {
				record(item)
			}
			return nil
		})
	}
	_ = g.Wait()

	response := dto.BatchGradeResponse{
		Results: make([]dto.BatchGradeItem, 0, len(payload.SubmissionIDs)),
		Summary: dto.BatchGradeSummary{Total: len(payload.SubmissionIDs), Groups: len(groups)},
	}
	for _, id := range payload.SubmissionIDs {
		item := outcomes[id]
		if item.Error == "" && item.Status == string(models.SubmissionStatusGraded) {
			response.Summary.Graded++
		} else {
			response.Summary.Failed++
		}
		response.Results = append(response.Results, item)
	}

	if s.activity != nil {
		_, _ = s.activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     models.ActivityActionBatchGraded,
			EntityType: models.ActivityEntitySubmission,
			Metadata: map[string]interface{}{
				"submission_ids": ids,
				"graded":         response.Summary.Graded,
				"failed":         response.Summary.Failed,
			},
		})
	}

	span.SetAttributes(
		attribute.Int("grading.batch_graded", response.Summary.Graded),
		attribute.Int("grading.batch_failed", response.Summary.Failed),
	)
	return response, nil
}

// gradeGroup processes one question group under the locks of all its submissions.
// Failures stay inside the group.
func (s *batchGradingService) gradeGroup(ctx context.Context, actor ActivityActor, group *questionGroup) []dto.BatchGradeItem {
	logger := s.logger.With().Uint("question_id", group.question.ID).Int("group_size", len(group.ids)).Logger()

	if !ownsQuestion(actor, group.question) {
		observability.BatchGroups().WithLabelValues("none", "forbidden").Inc()
		return groupErrors(group.members, batchItemForbidden)
	}

	unlock, err := s.lockGroup(ctx, group)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to lock batch group")
		observability.BatchGroups().WithLabelValues("none", "locked").Inc()
		return groupErrors(group.members, err.Error())
	}
	defer unlock()

	// Re-read under lock so concurrent writers are not overwritten.
	fresh, err := s.submissions.ListByIDs(ctx, group.ids)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload batch group")
		return groupErrors(group.members, err.Error())
	}
	byID := make(map[uint]models.Submission, len(fresh))
	for _, submission := range fresh {
		byID[submission.ID] = submission
	}

	members := make([]*models.Submission, 0, len(group.ids))
	var items []dto.BatchGradeItem
	for _, id := range group.ids {
		submission, ok := byID[id]
		if !ok {
			items = append(items, dto.BatchGradeItem{SubmissionID: id, Status: string(models.SubmissionStatusError), Error: batchItemNotFound})
			continue
		}
		if err := submission.ResetForRegrade(); err != nil {
			items = append(items, dto.BatchGradeItem{SubmissionID: id, Status: string(models.SubmissionStatusError), Error: err.Error()})
			continue
		}
		members = append(members, &submission)
	}

	provenance := models.GradingProvenance{BatchGraded: true}
	plan, planErr := s.engine.resolver.Resolve(group.question)
	if planErr == nil {
		provenance.Mode = string(plan.Mode)
	}

	for _, submission := range members {
		if err := s.engine.begin(ctx, submission); err != nil {
			logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to start grading pass")
		}
	}

	mode := provenance.Mode
	if mode == "" {
		mode = "none"
	}

	var unavailable error
	if planErr == nil {
		unavailable = s.engine.preflight(ctx)
	}

	switch {
	case planErr != nil:
		s.failAll(ctx, members, planErr, provenance)
		observability.BatchGroups().WithLabelValues(mode, "failed").Inc()
	case unavailable != nil:
		s.failAll(ctx, members, unavailable, provenance)
		observability.BatchGroups().WithLabelValues(mode, "failed").Inc()
	case plan.Mode == ScoringModeRubric:
		outcome := "graded"
		if err := s.scoreRubricGroup(ctx, members, plan, provenance); err != nil {
			logger.Warn().Err(err).Msg("batch group failed")
			outcome = "failed"
		}
		observability.BatchGroups().WithLabelValues(mode, outcome).Inc()
	default:
		for _, submission := range members {
			if submission.Status != models.SubmissionStatusGrading {
				continue
			}
			if err := s.engine.score(ctx, submission, plan, provenance); err != nil {
				logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to persist batch item")
			}
		}
		observability.BatchGroups().WithLabelValues(mode, "sequential").Inc()
	}

	for _, submission := range members {
		items = append(items, dto.NewBatchGradeItem(*submission))
	}
	return items
}

// scoreRubricGroup issues one batched call and fans results back by correlation id,
// or by position when the capability does not echo ids.
func (s *batchGradingService) scoreRubricGroup(ctx context.Context, members []*models.Submission, plan ScoringPlan, provenance models.GradingProvenance) error {
	grading := make([]*models.Submission, 0, len(members))
	for _, submission := range members {
		if submission.Status == models.SubmissionStatusGrading {
			grading = append(grading, submission)
		}
	}
	if len(grading) == 0 {
		return nil
	}

	request := scorer.BatchGradeRequest{
		Answers:        make([]string, 0, len(grading)),
		RubricDims:     plan.Dimensions,
		CorrelationIDs: make([]string, 0, len(grading)),
	}
	for _, submission := range grading {
		request.Answers = append(request.Answers, submission.AnswerText)
		request.CorrelationIDs = append(request.CorrelationIDs, strconv.FormatUint(uint64(submission.ID), 10))
	}

	results, err := s.engine.scorer.BatchGrade(ctx, request)
	if err == nil {
		results, err = alignBatchResults(request.CorrelationIDs, results)
	}
	if err != nil {
		s.failAll(ctx, grading, describeScoringFailure(err), provenance)
		return err
	}

	for i, submission := range grading {
		if err := s.engine.complete(ctx, submission, results[i], provenance); err != nil {
			s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to persist batch result")
		}
	}
	return nil
}

func (s *batchGradingService) failAll(ctx context.Context, members []*models.Submission, cause error, provenance models.GradingProvenance) {
	for _, submission := range members {
		if submission.Status != models.SubmissionStatusGrading {
			continue
		}
		if err := s.engine.fail(ctx, submission, cause, provenance); err != nil {
			s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to persist batch failure")
		}
	}
}

// lockGroup takes every submission lock of the group in key order.
func (s *batchGradingService) lockGroup(ctx context.Context, group *questionGroup) (func(), error) {
	keys := make([]string, 0, len(group.members))
	seen := make(map[string]struct{}, len(group.members))
	for _, submission := range group.members {
		key := SubmissionLockKey(submission.StudentID, submission.QuestionID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, key := range keys {
		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// alignBatchResults maps results onto correlation ids. Echoed ids win; with no
// echoes the order is positional. Anything in between is rejected.
func alignBatchResults(ids []string, results []scorer.GradeResult) ([]scorer.GradeResult, error) {
	if len(results) != len(ids) {
		return nil, fmt.Errorf("%w: expected %d results, got %d", ErrBatchMisaligned, len(ids), len(results))
	}

	echoed := 0
	for _, result := range results {
		if result.CorrelationID != "" {
			echoed++
		}
	}
	if echoed == 0 {
		return results, nil
	}
	if echoed != len(results) {
		return nil, fmt.Errorf("%w: %d of %d results carry a correlation id", ErrBatchMisaligned, echoed, len(results))
	}

	positions := make(map[string]int, len(ids))
	for i, id := range ids {
		positions[id] = i
	}

	aligned := make([]scorer.GradeResult, len(ids))
	filled := make([]bool, len(ids))
	for _, result := range results {
		pos, ok := positions[result.CorrelationID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown correlation id %q", ErrBatchMisaligned, result.CorrelationID)
		}
		if filled[pos] {
			return nil, fmt.Errorf("%w: duplicate correlation id %q", ErrBatchMisaligned, result.CorrelationID)
		}
		aligned[pos] = result
		filled[pos] = true
	}
	return aligned, nil
}

// groupErrors reports rejected submissions as errors. The stored records are
// left as they were.
func groupErrors(submissions []models.Submission, reason string) []dto.BatchGradeItem {
	items := make([]dto.BatchGradeItem, 0, len(submissions))
	for _, submission := range submissions {
		items = append(items, dto.BatchGradeItem{SubmissionID: submission.ID, Status: string(models.SubmissionStatusError), Error: reason})
	}
	return items
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	unique := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
