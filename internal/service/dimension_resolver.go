package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// ScoringMode is the framing chosen for a grading pass.
type ScoringMode string

const (
	// ScoringModeRubric scores each rubric dimension independently.
	ScoringModeRubric ScoringMode = "rubric"
	// ScoringModeReference scores flat similarity against a reference answer.
	ScoringModeReference ScoringMode = "reference"
)

// ErrNoScoringInputs indicates a question can be scored neither by rubric nor by reference.
var ErrNoScoringInputs = errors.New("question has neither rubric dimensions nor a reference answer")

const defaultDimensionWeight = 1.0

// ScoringPlan holds the inputs for one grading pass. Exactly one of Dimensions
// and ReferenceAnswer is populated.
type ScoringPlan struct {
	Mode            ScoringMode
	Dimensions      []scorer.RubricDimension
	ReferenceAnswer string
}

// GradeRequest frames a single answer according to the plan.
func (p ScoringPlan) GradeRequest(submission models.Submission, computeExplanations bool) scorer.GradeRequest {
	request := scorer.GradeRequest{
		QuestionID:          strconv.FormatUint(uint64(submission.QuestionID), 10),
		StudentID:           strconv.FormatUint(uint64(submission.StudentID), 10),
		AnswerText:          submission.AnswerText,
		ComputeExplanations: computeExplanations,
	}
	if p.Mode == ScoringModeRubric {
		request.RubricDims = p.Dimensions
	} else {
		request.ReferenceAnswer = p.ReferenceAnswer
	}
	return request
}

// DimensionResolver decides how a question is scored.
type DimensionResolver interface {
	Resolve(question models.Question) (ScoringPlan, error)
}

type dimensionResolver struct{}

// NewDimensionResolver constructs the resolver.
func NewDimensionResolver() DimensionResolver {
	return dimensionResolver{}
}

// Resolve prefers the rubric when it has at least one dimension and otherwise
// falls back to the reference answer. Dimensions keep their stored order.
func (dimensionResolver) Resolve(question models.Question) (ScoringPlan, error) {
	if question.HasRubric() {
		dimensions := make([]scorer.RubricDimension, 0, len(question.Rubric))
		for i, dimension := range question.Rubric {
			name := strings.TrimSpace(dimension.Name)
			if name == "" {
				name = fmt.Sprintf("Criterion %d", i+1)
			}

			// Zero and negative weights count as unset; a zero-weight dimension
			// would drop out of the weighted mean.
			weight := defaultDimensionWeight
			if dimension.Weight != nil && *dimension.Weight > 0 {
				weight = *dimension.Weight
			}

			dimensions = append(dimensions, scorer.RubricDimension{
				Name:   name,
				Text:   strings.TrimSpace(dimension.Text),
				Weight: weight,
			})
		}

		return ScoringPlan{Mode: ScoringModeRubric, Dimensions: dimensions}, nil
	}

	if question.HasReferenceAnswer() {
		return ScoringPlan{Mode: ScoringModeReference, ReferenceAnswer: strings.TrimSpace(question.ReferenceAnswer)}, nil
	}

	return ScoringPlan{}, fmt.Errorf("%w: question %d", ErrNoScoringInputs, question.ID)
}
