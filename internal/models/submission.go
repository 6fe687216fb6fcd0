package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// SubmissionStatus is the lifecycle state of a graded submission.
type SubmissionStatus string

const (
	// SubmissionStatusPending indicates the answer was accepted and awaits grading.
	SubmissionStatusPending SubmissionStatus = "pending"
	// SubmissionStatusGrading indicates a grading pass is in flight.
	SubmissionStatusGrading SubmissionStatus = "grading"
	// SubmissionStatusGraded indicates a score is available.
	SubmissionStatusGraded SubmissionStatus = "graded"
	// SubmissionStatusError indicates the last grading pass failed.
	SubmissionStatusError SubmissionStatus = "error"
	// SubmissionStatusManualReview indicates a teacher is overriding the score.
	SubmissionStatusManualReview SubmissionStatus = "manual_review"
)

// ErrIllegalTransition is returned when a status change is not allowed by the lifecycle.
var ErrIllegalTransition = errors.New("illegal submission status transition")

// ErrOverrideNotAllowed is returned when a score override targets an ungraded submission.
var ErrOverrideNotAllowed = errors.New("submission is not graded")

// ErrScoreOutOfRange indicates a score outside [0, 1].
var ErrScoreOutOfRange = errors.New("score must be between 0 and 1")

// Any state may re-enter pending through a resubmission; that edge is handled in CanTransition.
var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionStatusPending:      {SubmissionStatusGrading},
	SubmissionStatusGrading:      {SubmissionStatusGraded, SubmissionStatusError},
	SubmissionStatusGraded:       {SubmissionStatusManualReview},
	SubmissionStatusError:        {SubmissionStatusManualReview},
	SubmissionStatusManualReview: {SubmissionStatusGraded},
}

// ParseSubmissionStatus validates a status string.
func ParseSubmissionStatus(value string) (SubmissionStatus, bool) {
	status := SubmissionStatus(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := submissionTransitions[status]; ok {
		return status, true
	}
	return "", false
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to SubmissionStatus) bool {
	if to == SubmissionStatusPending {
		return true
	}
	for _, next := range submissionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Highlight is an evidence span [CharStart, CharEnd) into the answer text, counted in characters.
type Highlight struct {
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	CharStart int     `json:"char_start"`
	CharEnd   int     `json:"char_end"`
}

// DimensionScore is the outcome of one rubric dimension.
type DimensionScore struct {
	Name        string      `json:"name"`
	Score       float64     `json:"score"`
	ScaledScore float64     `json:"scaled_score"`
	Confidence  float64     `json:"confidence"`
	Highlights  []Highlight `json:"highlights"`
	Feedback    string      `json:"feedback,omitempty"`
}

// GradingMetadata is descriptive provenance of the last grading pass.
type GradingMetadata struct {
	Model        string     `json:"model,omitempty"`
	ModelVersion string     `json:"model_version,omitempty"`
	TimeMs       float64    `json:"time_ms,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	GradedAt     *time.Time `json:"graded_at,omitempty"`
	Regraded     bool       `json:"regraded,omitempty"`
	BatchGraded  bool       `json:"batch_graded,omitempty"`
	Error        string     `json:"error,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// GradingProvenance describes how a grading pass was initiated.
type GradingProvenance struct {
	Mode        string
	Regraded    bool
	BatchGraded bool
}

// ManualOverride records a teacher replacing the machine score. OriginalScore is
// captured by the first override and never rewritten by later ones.
type ManualOverride struct {
	OverriddenBy  uint      `json:"overridden_by"`
	OverriddenAt  time.Time `json:"overridden_at"`
	OriginalScore *float64  `json:"original_score"`
	Reason        string    `json:"reason"`
}

// Submission is one student's answer to one question. The same row is reused on resubmission.
type Submission struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	StudentID          uint             `gorm:"not null;uniqueIndex:idx_submissions_student_question" json:"student_id"`
	QuestionID         uint             `gorm:"not null;uniqueIndex:idx_submissions_student_question;index" json:"question_id"`
	AnswerText         string           `gorm:"type:text;not null" json:"answer_text"`
	Status             SubmissionStatus `gorm:"size:32;not null;index" json:"status"`
	OverallScore       *float64         `json:"overall_score"`
	ScaledOverallScore *float64         `json:"scaled_overall_score"`
	DimensionScores    []DimensionScore `gorm:"type:json;serializer:json" json:"dimension_scores"`
	Feedback           []string         `gorm:"type:json;serializer:json" json:"feedback"`
	GradingMetadata    GradingMetadata  `gorm:"type:json;serializer:json" json:"grading_metadata"`
	ManualOverride     *ManualOverride  `gorm:"type:json;serializer:json" json:"manual_override"`
	Attempts           int              `gorm:"not null;default:1" json:"attempts"`
	SubmittedAt        time.Time        `gorm:"not null" json:"submitted_at"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Question           Question         `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// NewSubmission creates the first attempt for a (student, question) pair in pending.
func NewSubmission(studentID, questionID uint, answer string, now time.Time) Submission {
	submission := Submission{
		StudentID:   studentID,
		QuestionID:  questionID,
		AnswerText:  answer,
		Attempts:    1,
		SubmittedAt: now,
	}
	submission.clearResults()
	submission.Status = SubmissionStatusPending
	return submission
}

// TransitionTo moves the submission to the next status, rejecting illegal edges.
func (s *Submission) TransitionTo(next SubmissionStatus) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// Resubmit replaces the answer, bumps the attempt counter and clears prior results.
func (s *Submission) Resubmit(answer string, now time.Time) error {
	if err := s.TransitionTo(SubmissionStatusPending); err != nil {
		return err
	}
	s.Attempts++
	s.AnswerText = answer
	s.SubmittedAt = now
	s.clearResults()
	return nil
}

// ResetForRegrade clears prior results and re-enters pending without touching the
// answer or the attempt counter.
func (s *Submission) ResetForRegrade() error {
	if err := s.TransitionTo(SubmissionStatusPending); err != nil {
		return err
	}
	s.clearResults()
	return nil
}

// HasResult reports whether a grading pass has completed at least once for the current attempt.
func (s Submission) HasResult() bool {
	switch s.Status {
	case SubmissionStatusGraded, SubmissionStatusError, SubmissionStatusManualReview:
		return true
	default:
		return false
	}
}

func (s *Submission) clearResults() {
	s.OverallScore = nil
	s.ScaledOverallScore = nil
	s.DimensionScores = []DimensionScore{}
	s.Feedback = []string{}
	s.GradingMetadata = GradingMetadata{}
	s.ManualOverride = nil
}

// Reconcile merges a scoring response into the record and marks it graded.
// Dimension scores and feedback are replaced wholesale, in response order.
func (s *Submission) Reconcile(result scorer.GradeResult, maxScore float64, provenance GradingProvenance, now time.Time) error {
	if err := s.TransitionTo(SubmissionStatusGraded); err != nil {
		return err
	}

	overall := clampUnit(result.OverallScore)
	scaled := overall * maxScore
	s.OverallScore = &overall
	s.ScaledOverallScore = &scaled

	answerLength := utf8.RuneCountInString(s.AnswerText)
	items := result.PerDimension.Items()
	dimensions := make([]DimensionScore, 0, len(items))
	for _, item := range items {
		score := clampUnit(item.Score)
		dimensions = append(dimensions, DimensionScore{
			Name:        item.Name,
			Score:       score,
			ScaledScore: score * maxScore,
			Confidence:  clampUnit(item.Confidence),
			Highlights:  sanitizeHighlights(item.Highlights, answerLength),
			Feedback:    item.Feedback,
		})
	}
	s.DimensionScores = dimensions

	feedback := make([]string, 0, len(result.Feedback))
	feedback = append(feedback, result.Feedback...)
	s.Feedback = feedback

	gradedAt := now
	s.GradingMetadata = GradingMetadata{
		Model:        result.Metadata.Model,
		ModelVersion: result.Metadata.ModelVersion,
		TimeMs:       result.Metadata.TimeMs,
		Mode:         provenance.Mode,
		GradedAt:     &gradedAt,
		Regraded:     provenance.Regraded,
		BatchGraded:  provenance.BatchGraded,
	}

	return nil
}

// MarkFailed records a failed grading pass with its reason.
func (s *Submission) MarkFailed(reason string, provenance GradingProvenance, now time.Time) error {
	if err := s.TransitionTo(SubmissionStatusError); err != nil {
		return err
	}

	failedAt := now
	s.GradingMetadata = GradingMetadata{
		Mode:        provenance.Mode,
		Regraded:    provenance.Regraded,
		BatchGraded: provenance.BatchGraded,
		Error:       reason,
		FailedAt:    &failedAt,
	}
	return nil
}

// ApplyOverride replaces the visible score with a human-supplied one. Dimension
// scores, feedback and grading metadata are left untouched.
func (s *Submission) ApplyOverride(actorID uint, score float64, reason string, maxScore float64, now time.Time) error {
	if score < 0 || score > 1 {
		return ErrScoreOutOfRange
	}
	if !s.HasResult() {
		return fmt.Errorf("%w: status %s", ErrOverrideNotAllowed, s.Status)
	}

	if s.Status != SubmissionStatusManualReview {
		if err := s.TransitionTo(SubmissionStatusManualReview); err != nil {
			return err
		}
	}

	if s.ManualOverride == nil {
		var original *float64
		if s.OverallScore != nil {
			value := *s.OverallScore
			original = &value
		}
		s.ManualOverride = &ManualOverride{OriginalScore: original}
	}
	s.ManualOverride.OverriddenBy = actorID
	s.ManualOverride.OverriddenAt = now
	s.ManualOverride.Reason = reason

	scaled := score * maxScore
	s.OverallScore = &score
	s.ScaledOverallScore = &scaled

	return s.TransitionTo(SubmissionStatusGraded)
}

func sanitizeHighlights(spans []scorer.Highlight, answerLength int) []Highlight {
	highlights := make([]Highlight, 0, len(spans))
	for _, span := range spans {
		if span.CharStart == nil || span.CharEnd == nil {
			continue
		}
		start, end := *span.CharStart, *span.CharEnd
		if start < 0 || start >= end || end > answerLength {
			continue
		}
		highlights = append(highlights, Highlight{
			Text:      span.Text,
			Score:     clampUnit(span.Score),
			CharStart: start,
			CharEnd:   end,
		})
	}
	return highlights
}

func clampUnit(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
