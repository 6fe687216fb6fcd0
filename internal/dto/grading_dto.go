package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmitAnswerRequest is the payload for submitting an answer to a question.
type SubmitAnswerRequest struct {
	QuestionID uint   `json:"question_id" validate:"required,gt=0"`
	AnswerText string `json:"answer_text" validate:"required,max=20000"`
}

// OverrideScoreRequest replaces a machine score with a human one.
type OverrideScoreRequest struct {
	Score  *float64 `json:"score" validate:"required,gte=0,lte=1"`
	Reason string   `json:"reason" validate:"required,max=1000"`
}

// BatchGradeRequest lists submissions to grade together.
type BatchGradeRequest struct {
	SubmissionIDs []uint `json:"submission_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

// SubmissionListRequest narrows submission listings.
type SubmissionListRequest struct {
	QuestionID *uint
	StudentID  *uint
	Status     string
	Page       int `validate:"gte=0"`
	PageSize   int `validate:"gte=0,lte=100"`
}

// SubmissionResponse is the API representation of a submission record.
type SubmissionResponse struct {
	ID                 uint                    `json:"id"`
	StudentID          uint                    `json:"student_id"`
	QuestionID         uint                    `json:"question_id"`
	AnswerText         string                  `json:"answer_text"`
	Status             string                  `json:"status"`
	OverallScore       *float64                `json:"overall_score"`
	ScaledOverallScore *float64                `json:"scaled_overall_score"`
	MaxScore           float64                 `json:"max_score"`
	DimensionScores    []models.DimensionScore `json:"dimension_scores"`
	Feedback           []string                `json:"feedback"`
	GradingMetadata    models.GradingMetadata  `json:"grading_metadata"`
	ManualOverride     *models.ManualOverride  `json:"manual_override"`
	Attempts           int                     `json:"attempts"`
	SubmittedAt        time.Time               `json:"submitted_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// SubmissionListResponse wraps a page of submissions.
type SubmissionListResponse struct {
	Items      []SubmissionResponse `json:"items"`
	Pagination PaginationMeta       `json:"pagination"`
}

// BatchGradeItem reports the outcome for one requested submission.
type BatchGradeItem struct {
	SubmissionID       uint     `json:"submission_id"`
	Status             string   `json:"status"`
	OverallScore       *float64 `json:"overall_score,omitempty"`
	ScaledOverallScore *float64 `json:"scaled_overall_score,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// BatchGradeSummary aggregates a batch run.
type BatchGradeSummary struct {
	Total  int `json:"total"`
	Graded int `json:"graded"`
	Failed int `json:"failed"`
	Groups int `json:"groups"`
}

// BatchGradeResponse carries one item per requested identifier, in request order.
type BatchGradeResponse struct {
	Results []BatchGradeItem  `json:"results"`
	Summary BatchGradeSummary `json:"summary"`
}

// NewSubmissionResponse converts a model into its API representation.
func NewSubmissionResponse(submission models.Submission) SubmissionResponse {
	dimensions := make([]models.DimensionScore, 0, len(submission.DimensionScores))
	for _, dimension := range submission.DimensionScores {
		if dimension.Highlights == nil {
			dimension.Highlights = []models.Highlight{}
		}
		dimensions = append(dimensions, dimension)
	}

	feedback := submission.Feedback
	if feedback == nil {
		feedback = []string{}
	}

	maxScore := submission.Question.MaxScore
	if maxScore <= 0 {
		maxScore = 1
	}

	return SubmissionResponse{
		ID:                 submission.ID,
		StudentID:          submission.StudentID,
		QuestionID:         submission.QuestionID,
		AnswerText:         submission.AnswerText,
		Status:             string(submission.Status),
		OverallScore:       submission.OverallScore,
		ScaledOverallScore: submission.ScaledOverallScore,
		MaxScore:           maxScore,
		DimensionScores:    dimensions,
		Feedback:           feedback,
		GradingMetadata:    submission.GradingMetadata,
		ManualOverride:     submission.ManualOverride,
		Attempts:           submission.Attempts,
		SubmittedAt:        submission.SubmittedAt,
		UpdatedAt:          submission.UpdatedAt,
	}
}

// NewSubmissionResponseSlice converts a list of models.
func NewSubmissionResponseSlice(submissions []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		responses = append(responses, NewSubmissionResponse(submission))
	}
	return responses
}

// NewBatchGradeItem summarises a submission after a batch pass.
func NewBatchGradeItem(submission models.Submission) BatchGradeItem {
	item := BatchGradeItem{
		SubmissionID: submission.ID,
		Status:       string(submission.Status),
	}
	if submission.Status == models.SubmissionStatusError {
		item.Error = submission.GradingMetadata.Error
		return item
	}
	item.OverallScore = submission.OverallScore
	item.ScaledOverallScore = submission.ScaledOverallScore
	return item
}
