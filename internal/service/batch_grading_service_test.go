package service

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

func scoresByAnswer(scores map[string]float64) func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
	return func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
		results := make([]scorer.GradeResult, 0, len(req.Answers))
		for _, answer := range req.Answers {
			results = append(results, scorer.GradeResult{OverallScore: scores[answer]})
		}
		return results, nil
	}
}

func TestBatchGradingPositionalResults(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	question := f.rubricQuestion(t, 7, 10, "Definition", "Example")

	first := f.storedSubmission(t, 41, question.ID, "answer a")
	second := f.storedSubmission(t, 42, question.ID, "answer b")
	third := f.storedSubmission(t, 43, question.ID, "answer c")

	f.scorer.batch = func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
		return []scorer.GradeResult{{OverallScore: 0.2}, {OverallScore: 0.5}, {OverallScore: 0.9}}, nil
	}

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{
		SubmissionIDs: []uint{first.ID, second.ID, third.ID},
	})
	require.NoError(t, err)

	calls := f.scorer.batches()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"answer a", "answer b", "answer c"}, calls[0].Answers)
	require.Equal(t, []string{
		strconv.FormatUint(uint64(first.ID), 10),
		strconv.FormatUint(uint64(second.ID), 10),
		strconv.FormatUint(uint64(third.ID), 10),
	}, calls[0].CorrelationIDs)
	require.Len(t, calls[0].RubricDims, 2)
	require.Empty(t, f.scorer.grades())

	require.Equal(t, dto.BatchGradeSummary{Total: 3, Graded: 3, Failed: 0, Groups: 1}, resp.Summary)
	expected := map[uint]float64{first.ID: 0.2, second.ID: 0.5, third.ID: 0.9}
	for i, id := range []uint{first.ID, second.ID, third.ID} {
		item := resp.Results[i]
		require.Equal(t, id, item.SubmissionID)
		require.Equal(t, string(models.SubmissionStatusGraded), item.Status)
		require.InDelta(t, expected[id], *item.OverallScore, 1e-9)
		require.InDelta(t, expected[id]*10, *item.ScaledOverallScore, 1e-9)

		stored := f.reload(t, id)
		require.Equal(t, models.SubmissionStatusGraded, stored.Status)
		require.True(t, stored.GradingMetadata.BatchGraded)
		require.Equal(t, "rubric", stored.GradingMetadata.Mode)
		require.Equal(t, 1, stored.Attempts)
		require.InDelta(t, expected[id], *stored.OverallScore, 1e-9)
	}
}

func TestBatchGradingGroupsByQuestion(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{BatchConcurrency: 2})
	rubricA := f.rubricQuestion(t, 7, 10, "Definition")
	rubricB := f.rubricQuestion(t, 7, 5, "Accuracy", "Clarity")
	reference := f.referenceQuestion(t, 7, 1)

	a1 := f.storedSubmission(t, 41, rubricA.ID, "a1")
	r1 := f.storedSubmission(t, 41, reference.ID, "r1")
	b1 := f.storedSubmission(t, 41, rubricB.ID, "b1")
	a2 := f.storedSubmission(t, 42, rubricA.ID, "a2")
	r2 := f.storedSubmission(t, 42, reference.ID, "r2")

	scores := map[string]float64{"a1": 0.1, "a2": 0.2, "b1": 0.3, "r1": 0.4, "r2": 0.5}
	f.scorer.batch = scoresByAnswer(scores)
	f.scorer.grade = func(req scorer.GradeRequest) (scorer.GradeResult, error) {
		return scorer.GradeResult{OverallScore: scores[req.AnswerText]}, nil
	}

	ids := []uint{a1.ID, r1.ID, b1.ID, a2.ID, r2.ID}
	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{SubmissionIDs: ids})
	require.NoError(t, err)

	batches := f.scorer.batches()
	require.Len(t, batches, 2)
	answerSets := map[string][]string{}
	for _, call := range batches {
		answerSets[call.RubricDims[0].Name] = call.Answers
	}
	require.Equal(t, []string{"a1", "a2"}, answerSets["Definition"])
	require.Equal(t, []string{"b1"}, answerSets["Accuracy"])

	grades := f.scorer.grades()
	require.Len(t, grades, 2)
	require.Equal(t, "r1", grades[0].AnswerText)
	require.Equal(t, "r2", grades[1].AnswerText)
	require.Equal(t, reference.ReferenceAnswer, grades[0].ReferenceAnswer)

	require.Equal(t, dto.BatchGradeSummary{Total: 5, Graded: 5, Groups: 3}, resp.Summary)
	require.Len(t, resp.Results, len(ids))
	answers := map[uint]string{a1.ID: "a1", r1.ID: "r1", b1.ID: "b1", a2.ID: "a2", r2.ID: "r2"}
	for i, id := range ids {
		require.Equal(t, id, resp.Results[i].SubmissionID)
		require.InDelta(t, scores[answers[id]], *resp.Results[i].OverallScore, 1e-9)
	}

	stored := f.reload(t, r1.ID)
	require.Equal(t, "reference", stored.GradingMetadata.Mode)
	require.True(t, stored.GradingMetadata.BatchGraded)

	entries, total, err := f.activity.List(context.Background(), repository.ActivityLogFilter{Action: models.ActivityActionBatchGraded})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, float64(5), dto.NewActivityResponse(entries[0]).Metadata["graded"])
}

func TestBatchGradingFollowsEchoedCorrelationIDs(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	question := f.rubricQuestion(t, 7, 1, "Definition")

	first := f.storedSubmission(t, 41, question.ID, "first")
	second := f.storedSubmission(t, 42, question.ID, "second")

	f.scorer.batch = func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
		return []scorer.GradeResult{
			{CorrelationID: req.CorrelationIDs[1], OverallScore: 0.8},
			{CorrelationID: req.CorrelationIDs[0], OverallScore: 0.3},
		}, nil
	}

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{SubmissionIDs: []uint{first.ID, second.ID}})
	require.NoError(t, err)
	require.InDelta(t, 0.3, *resp.Results[0].OverallScore, 1e-9)
	require.InDelta(t, 0.8, *resp.Results[1].OverallScore, 1e-9)
}

func TestBatchGradingIsolatesGroupFailures(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	failing := f.rubricQuestion(t, 7, 10, "Definition")
	healthy := f.rubricQuestion(t, 7, 10, "Accuracy")

	f1 := f.storedSubmission(t, 41, failing.ID, "f1")
	f2 := f.storedSubmission(t, 42, failing.ID, "f2")
	h1 := f.storedSubmission(t, 41, healthy.ID, "h1")

	f.scorer.batch = func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
		if req.RubricDims[0].Name == "Definition" {
			return nil, &scorer.StatusError{Operation: "grade_batch", StatusCode: http.StatusServiceUnavailable}
		}
		return []scorer.GradeResult{{OverallScore: 0.7}}, nil
	}

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{SubmissionIDs: []uint{f1.ID, h1.ID, f2.ID}})
	require.NoError(t, err)
	require.Equal(t, dto.BatchGradeSummary{Total: 3, Graded: 1, Failed: 2, Groups: 2}, resp.Summary)

	for _, item := range []dto.BatchGradeItem{resp.Results[0], resp.Results[2]} {
		require.Equal(t, string(models.SubmissionStatusError), item.Status)
		require.Contains(t, item.Error, "scoring capability unavailable after retries")
		require.Nil(t, item.OverallScore)
	}
	require.Equal(t, string(models.SubmissionStatusGraded), resp.Results[1].Status)

	stored := f.reload(t, f2.ID)
	require.Equal(t, models.SubmissionStatusError, stored.Status)
	require.True(t, stored.GradingMetadata.BatchGraded)
	require.NotNil(t, stored.GradingMetadata.FailedAt)
}

func TestBatchGradingRejectsMisalignedResults(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	question := f.rubricQuestion(t, 7, 10, "Definition")

	first := f.storedSubmission(t, 41, question.ID, "first")
	second := f.storedSubmission(t, 42, question.ID, "second")

	f.scorer.batch = func(req scorer.BatchGradeRequest) ([]scorer.GradeResult, error) {
		return []scorer.GradeResult{{OverallScore: 0.4}}, nil
	}

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{SubmissionIDs: []uint{first.ID, second.ID}})
	require.NoError(t, err)
	for _, item := range resp.Results {
		require.Equal(t, string(models.SubmissionStatusError), item.Status)
		require.Contains(t, item.Error, ErrBatchMisaligned.Error())
	}
}

func TestBatchGradingMixedMembership(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	owned := f.rubricQuestion(t, 7, 10, "Definition")
	foreign := f.rubricQuestion(t, 8, 10, "Definition")

	mine := f.storedSubmission(t, 41, owned.ID, "mine")
	theirs := f.storedSubmission(t, 41, foreign.ID, "theirs")

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{
		SubmissionIDs: []uint{mine.ID, 9999, theirs.ID, mine.ID},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	require.Equal(t, dto.BatchGradeSummary{Total: 4, Graded: 2, Failed: 2, Groups: 2}, resp.Summary)

	require.Equal(t, string(models.SubmissionStatusGraded), resp.Results[0].Status)
	require.Equal(t, uint(9999), resp.Results[1].SubmissionID)
	require.Equal(t, string(models.SubmissionStatusError), resp.Results[1].Status)
	require.Equal(t, "submission not found", resp.Results[1].Error)
	require.Equal(t, string(models.SubmissionStatusError), resp.Results[2].Status)
	require.Equal(t, "not allowed to grade this question", resp.Results[2].Error)
	require.Nil(t, resp.Results[2].OverallScore)
	require.Equal(t, resp.Results[0], resp.Results[3])

	calls := f.scorer.batches()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"mine"}, calls[0].Answers)
	require.Equal(t, models.SubmissionStatusPending, f.reload(t, theirs.ID).Status)
}

func TestBatchGradingForeignGradedSubmissionCountsAsFailed(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	foreign := f.referenceQuestion(t, 8, 10)

	graded, err := f.grading.Submit(context.Background(), student(41), dto.SubmitAnswerRequest{QuestionID: foreign.ID, AnswerText: "ATP"})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusGraded), graded.Status)

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{SubmissionIDs: []uint{graded.ID}})
	require.NoError(t, err)
	require.Equal(t, dto.BatchGradeSummary{Total: 1, Graded: 0, Failed: 1, Groups: 1}, resp.Summary)
	require.Equal(t, string(models.SubmissionStatusError), resp.Results[0].Status)
	require.Equal(t, "not allowed to grade this question", resp.Results[0].Error)

	stored := f.reload(t, graded.ID)
	require.Equal(t, models.SubmissionStatusGraded, stored.Status)
	require.InDelta(t, 0.5, *stored.OverallScore, 1e-9)
}

func TestBatchGradingHealthPreflight(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{HealthPreflight: true, HealthCheckDelay: time.Millisecond})
	question := f.rubricQuestion(t, 7, 10, "Definition")
	first := f.storedSubmission(t, 41, question.ID, "first")
	f.scorer.health = scorer.HealthStatus{Healthy: false, Status: "unreachable"}

	resp, err := f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{SubmissionIDs: []uint{first.ID}})
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStatusError), resp.Results[0].Status)
	require.Contains(t, resp.Results[0].Error, "scoring capability unavailable")
	require.Empty(t, f.scorer.batches())
}

func TestBatchGradingRejections(t *testing.T) {
	f := newGradingFixture(t, GradingOptions{})
	question := f.rubricQuestion(t, 7, 10, "Definition")
	first := f.storedSubmission(t, 41, question.ID, "first")

	_, err := f.batch.GradeBatch(context.Background(), student(41), dto.BatchGradeRequest{SubmissionIDs: []uint{first.ID}})
	require.ErrorIs(t, err, ErrGradingForbidden)

	_, err = f.batch.GradeBatch(context.Background(), teacher(7), dto.BatchGradeRequest{})
	var validationErrs validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)

	require.Empty(t, f.scorer.batches())
}

func TestAlignBatchResults(t *testing.T) {
	ids := []string{"1", "2", "3"}

	positional := []scorer.GradeResult{{OverallScore: 0.1}, {OverallScore: 0.2}, {OverallScore: 0.3}}
	aligned, err := alignBatchResults(ids, positional)
	require.NoError(t, err)
	require.Equal(t, positional, aligned)

	echoed := []scorer.GradeResult{
		{CorrelationID: "3", OverallScore: 0.3},
		{CorrelationID: "1", OverallScore: 0.1},
		{CorrelationID: "2", OverallScore: 0.2},
	}
	aligned, err = alignBatchResults(ids, echoed)
	require.NoError(t, err)
	require.Equal(t, "1", aligned[0].CorrelationID)
	require.Equal(t, "2", aligned[1].CorrelationID)
	require.Equal(t, "3", aligned[2].CorrelationID)

	rejected := map[string][]scorer.GradeResult{
		"short":     {{OverallScore: 0.1}},
		"partial":   {{CorrelationID: "1"}, {}, {CorrelationID: "3"}},
		"unknown":   {{CorrelationID: "1"}, {CorrelationID: "2"}, {CorrelationID: "9"}},
		"duplicate": {{CorrelationID: "1"}, {CorrelationID: "1"}, {CorrelationID: "3"}},
	}
	for name, results := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := alignBatchResults(ids, results)
			require.ErrorIs(t, err, ErrBatchMisaligned)
		})
	}
}
