package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testNow() time.Time {
	return time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC)
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Question{}, &models.RubricDimension{}, &models.Submission{}, &models.ActivityLog{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

type fakeScorer struct {
	mu          sync.Mutex
	grade       func(req scorer.GradeRequest) (scorer.GradeResult, error)
	batch       func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error)
	health      scorer.HealthStatus
	healthCheck func(call int) scorer.HealthStatus
	gradeCalls  []scorer.GradeRequest
	batchCalls  []scorer.BatchGradeRequest
	healthCalls int
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{health: scorer.HealthStatus{Healthy: true, Status: "healthy"}}
}

func (f *fakeScorer) Grade(_ context.Context, req scorer.GradeRequest) (scorer.GradeResult, error) {
	f.mu.Lock()
	f.gradeCalls = append(f.gradeCalls, req)
	handler := f.grade
	f.mu.Unlock()

	if handler == nil {
		return scorer.GradeResult{OverallScore: 0.5}, nil
	}
	return handler(req)
}

func (f *fakeScorer) BatchGrade(_ context.Context, req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
	f.mu.Lock()
	f.batchCalls = append(f.batchCalls, req)
	handler := f.batch
	f.mu.Unlock()

	if handler == nil {
		results := make([]scorer.GradeResult, len(req.Answers))
		for i := range results {
			results[i] = scorer.GradeResult{OverallScore: 0.5}
		}
		return results, nil
	}
	return handler(req)
}

func (f *fakeScorer) CheckHealth(context.Context) scorer.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if f.healthCheck != nil {
		return f.healthCheck(f.healthCalls)
	}
	return f.health
}

func (f *fakeScorer) grades() []scorer.GradeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scorer.GradeRequest(nil), f.gradeCalls...)
}

func (f *fakeScorer) batches() []scorer.BatchGradeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scorer.BatchGradeRequest(nil), f.batchCalls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []GradingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event GradingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

type gradingFixture struct {
	db          *gorm.DB
	scorer      *fakeScorer
	events      *recordingPublisher
	questions   repository.QuestionRepository
	submissions repository.SubmissionRepository
	activity    repository.ActivityLogRepository
	grading     GradingService
	batch       BatchGradingService
	override    OverrideService
}

func newGradingFixture(t *testing.T, options GradingOptions) *gradingFixture {
	t.Helper()

	db := setupServiceDB(t)
	fake := newFakeScorer()
	events := &recordingPublisher{}
	activityRepo := repository.NewActivityLogRepository(db)

	deps := GradingDependencies{
		Questions:   repository.NewQuestionRepository(db),
		Submissions: repository.NewSubmissionRepository(db),
		Scorer:      fake,
		Resolver:    NewDimensionResolver(),
		Locker:      NewLocalSubmissionLocker(),
		Events:      events,
		Activity:    NewActivityService(activityRepo, testLogger()),
		Options:     options,
	}
	validate := validator.New(validator.WithRequiredStructEnabled())

	return &gradingFixture{
		db:          db,
		scorer:      fake,
		events:      events,
		questions:   deps.Questions,
		submissions: deps.Submissions,
		activity:    activityRepo,
		grading:     NewGradingService(deps, validate, testLogger()),
		batch:       NewBatchGradingService(deps, validate, testLogger()),
		override:    NewOverrideService(deps, validate, testLogger()),
	}
}

func (f *gradingFixture) referenceQuestion(t *testing.T, teacherID uint, maxScore float64) models.Question {
	t.Helper()

	question := models.Question{
		TeacherID:       teacherID,
		Prompt:          "What is the role of the mitochondria?",
		ReferenceAnswer: "Mitochondria produce ATP through cellular respiration.",
		MaxScore:        maxScore,
	}
	require.NoError(t, f.questions.Create(context.Background(), &question))
	return question
}

func (f *gradingFixture) rubricQuestion(t *testing.T, teacherID uint, maxScore float64, names ...string) models.Question {
	t.Helper()

	question := models.Question{
		TeacherID: teacherID,
		Prompt:    "Define the mitochondria and give an example of its function.",
		MaxScore:  maxScore,
	}
	for i, name := range names {
		question.Rubric = append(question.Rubric, models.RubricDimension{
			Position: i,
			Name:     name,
			Text:     name + " criterion",
		})
	}
	require.NoError(t, f.questions.Create(context.Background(), &question))
	return question
}

func (f *gradingFixture) storedSubmission(t *testing.T, studentID, questionID uint, answer string) models.Submission {
	t.Helper()

	submission := models.NewSubmission(studentID, questionID, answer, testNow())
	require.NoError(t, f.submissions.Create(context.Background(), &submission))
	return submission
}

func (f *gradingFixture) reload(t *testing.T, id uint) models.Submission {
	t.Helper()

	submission, err := f.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return submission
}

func student(id uint) ActivityActor {
	return ActivityActor{ID: id, Role: RoleStudent}
}

func teacher(id uint) ActivityActor {
	return ActivityActor{ID: id, Role: RoleTeacher}
}

func floatPtr(v float64) *float64 {
	return &v
}
