package scorer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RubricDimension is a single rubric criterion in the shape expected by the scoring capability.
type RubricDimension struct {
	Name   string  `json:"name"`
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// GradeRequest is the payload sent to POST /grade. Exactly one of RubricDims or
// ReferenceAnswer must be populated.
type GradeRequest struct {
	QuestionID          string            `json:"question_id,omitempty"`
	StudentID           string            `json:"student_id,omitempty"`
	AnswerText          string            `json:"answer_text"`
	RubricDims          []RubricDimension `json:"rubric_dims,omitempty"`
	ReferenceAnswer     string            `json:"reference_answer,omitempty"`
	ComputeExplanations bool              `json:"compute_explanations"`
}

// BatchGradeRequest is the payload sent to POST /grade/batch. CorrelationIDs is
// positionally aligned with Answers.
type BatchGradeRequest struct {
	Answers        []string          `json:"answers"`
	RubricDims     []RubricDimension `json:"rubric_dims"`
	CorrelationIDs []string          `json:"correlation_ids,omitempty"`
}

// Highlight is an evidence span returned for a dimension. Offsets are optional on the wire.
type Highlight struct {
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	CharStart *int    `json:"char_start"`
	CharEnd   *int    `json:"char_end"`
}

// DimensionResult is the outcome for one rubric dimension.
type DimensionResult struct {
	Name       string      `json:"-"`
	Score      float64     `json:"score"`
	Confidence float64     `json:"confidence"`
	Highlights []Highlight `json:"highlights"`
	Feedback   string      `json:"feedback,omitempty"`
}

// DimensionResults keeps per-dimension results in the order the scoring
// capability emitted them, with a name lookup on the side.
type DimensionResults struct {
	items []DimensionResult
	index map[string]int
}

// NewDimensionResults builds an ordered result set. A repeated name replaces the
// earlier entry but keeps its position.
func NewDimensionResults(items ...DimensionResult) DimensionResults {
	var results DimensionResults
	for _, item := range items {
		results.add(item)
	}
	return results
}

func (d *DimensionResults) add(item DimensionResult) {
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if pos, ok := d.index[item.Name]; ok {
		d.items[pos] = item
		return
	}
	d.index[item.Name] = len(d.items)
	d.items = append(d.items, item)
}

// Len returns the number of dimensions.
func (d DimensionResults) Len() int {
	return len(d.items)
}

// Items returns the dimensions in response order.
func (d DimensionResults) Items() []DimensionResult {
	out := make([]DimensionResult, len(d.items))
	copy(out, d.items)
	return out
}

// Lookup returns the dimension with the given name.
func (d DimensionResults) Lookup(name string) (DimensionResult, bool) {
	pos, ok := d.index[name]
	if !ok {
		return DimensionResult{}, false
	}
	return d.items[pos], true
}

// UnmarshalJSON decodes a name-keyed object while preserving key order.
func (d *DimensionResults) UnmarshalJSON(data []byte) error {
	*d = DimensionResults{}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("decode per_dimension: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode per_dimension: expected object")
	}

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("decode per_dimension key: %w", err)
		}
		name, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("decode per_dimension: unexpected key %v", keyToken)
		}

		var item DimensionResult
		if err := decoder.Decode(&item); err != nil {
			return fmt.Errorf("decode per_dimension %q: %w", name, err)
		}
		item.Name = name
		d.add(item)
	}

	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("decode per_dimension: %w", err)
	}

	return nil
}

// MarshalJSON encodes the dimensions as an object in stored order.
func (d DimensionResults) MarshalJSON() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i, item := range d.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(item.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Metadata describes which model produced a result.
type Metadata struct {
	Model        string  `json:"model"`
	ModelVersion string  `json:"model_version"`
	TimeMs       float64 `json:"time_ms"`
}

// GradeResult is the response of POST /grade and each item of POST /grade/batch.
type GradeResult struct {
	CorrelationID string           `json:"correlation_id,omitempty"`
	OverallScore  float64          `json:"overall_score"`
	PerDimension  DimensionResults `json:"per_dimension"`
	Feedback      []string         `json:"feedback"`
	Metadata      Metadata         `json:"metadata"`
}

type batchGradeResponse struct {
	Results     []GradeResult `json:"results"`
	TotalTimeMs float64       `json:"total_time_ms"`
}

// HealthStatus reports whether the scoring capability can serve requests.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status,omitempty"`
	Model   string `json:"model,omitempty"`
	Device  string `json:"device,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AnswerValidation is the advisory quality check returned by POST /validate.
type AnswerValidation struct {
	Valid     bool     `json:"valid"`
	WordCount int      `json:"word_count"`
	Issues    []string `json:"issues"`
}

// ModelInfo describes one encoder the scoring capability can load.
type ModelInfo struct {
	Name        string `json:"name"`
	HFName      string `json:"hf_name"`
	Dimension   int    `json:"dimension"`
	Description string `json:"description"`
}

// ModelCatalog is the response of GET /models.
type ModelCatalog struct {
	Models       []ModelInfo `json:"models"`
	CurrentModel string      `json:"current_model"`
}
