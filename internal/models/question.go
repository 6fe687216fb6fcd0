package models

import (
	"strings"
	"time"
)

// Question is the read-side view of a short-answer question owned by a teacher.
// Question authoring lives in another service; this record is what grading needs.
type Question struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	TeacherID       uint              `gorm:"not null;index" json:"teacher_id"`
	Prompt          string            `gorm:"type:text;not null" json:"prompt"`
	ReferenceAnswer string            `gorm:"type:text" json:"reference_answer"`
	MaxScore        float64           `gorm:"not null;default:1" json:"max_score"`
	Rubric          []RubricDimension `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"rubric"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// RubricDimension is one named criterion of a question's rubric.
type RubricDimension struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	QuestionID uint     `gorm:"not null;index" json:"question_id"`
	Position   int      `gorm:"not null;default:0" json:"position"`
	Name       string   `gorm:"size:255;not null" json:"name"`
	Text       string   `gorm:"type:text;not null" json:"text"`
	Weight     *float64 `json:"weight"`
}

// HasRubric reports whether the question should be scored per dimension.
func (q Question) HasRubric() bool {
	return len(q.Rubric) > 0
}

// HasReferenceAnswer reports whether flat reference scoring is possible.
func (q Question) HasReferenceAnswer() bool {
	return strings.TrimSpace(q.ReferenceAnswer) != ""
}

// IsOwnedBy reports whether the teacher owns the question.
func (q Question) IsOwnedBy(teacherID uint) bool {
	return teacherID != 0 && q.TeacherID == teacherID
}
