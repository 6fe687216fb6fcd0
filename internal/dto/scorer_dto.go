package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/pkg/scorer"
)

// AnswerValidationRequest asks for an advisory quality check of an answer.
type AnswerValidationRequest struct {
	AnswerText string `json:"answer_text" validate:"required,max=20000"`
}

// AnswerValidationResponse mirrors the capability's verdict.
type AnswerValidationResponse struct {
	Valid     bool     `json:"valid"`
	WordCount int      `json:"word_count"`
	Issues    []string `json:"issues"`
}

// ScorerModelResponse describes one encoder offered by the capability.
type ScorerModelResponse struct {
	Name        string `json:"name"`
	HFName      string `json:"hf_name"`
	Dimension   int    `json:"dimension"`
	Description string `json:"description"`
}

// ScorerStatusResponse reports the capability's health and loaded models.
type ScorerStatusResponse struct {
	Healthy      bool                  `json:"healthy"`
	Status       string                `json:"status"`
	Model        string                `json:"model,omitempty"`
	Device       string                `json:"device,omitempty"`
	Error        string                `json:"error,omitempty"`
	Models       []ScorerModelResponse `json:"models"`
	CurrentModel string                `json:"current_model,omitempty"`
	CheckedAt    time.Time             `json:"checked_at"`
}

// NewAnswerValidationResponse converts the capability payload.
func NewAnswerValidationResponse(result scorer.AnswerValidation) AnswerValidationResponse {
	issues := result.Issues
	if issues == nil {
		issues = []string{}
	}
	return AnswerValidationResponse{
		Valid:     result.Valid,
		WordCount: result.WordCount,
		Issues:    issues,
	}
}

// NewScorerStatusResponse combines a health probe with the model catalog.
func NewScorerStatusResponse(health scorer.HealthStatus, catalog scorer.ModelCatalog, checkedAt time.Time) ScorerStatusResponse {
	status := health.Status
	if status == "" {
		status = "unhealthy"
		if health.Healthy {
			status = "healthy"
		}
	}

	models := make([]ScorerModelResponse, 0, len(catalog.Models))
	for _, model := range catalog.Models {
		models = append(models, ScorerModelResponse{
			Name:        model.Name,
			HFName:      model.HFName,
			Dimension:   model.Dimension,
			Description: model.Description,
		})
	}

	return ScorerStatusResponse{
		Healthy:      health.Healthy,
		Status:       status,
		Model:        health.Model,
		Device:       health.Device,
		Error:        health.Error,
		Models:       models,
		CurrentModel: catalog.CurrentModel,
		CheckedAt:    checkedAt,
	}
}
