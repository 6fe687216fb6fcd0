package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit actions recorded against submissions.
const (
	ActivityActionSubmissionOverridden = "submission.overridden"
	ActivityActionSubmissionRegraded   = "submission.regraded"
	ActivityActionBatchGraded          = "submission.batch_graded"
	ActivityEntitySubmission           = "submission"
)

// ActivityLog is the audit trail for human actions on graded submissions.
type ActivityLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	ActorID    uint              `gorm:"not null;index" json:"actor_id"`
	ActorRole  string            `gorm:"size:32;not null" json:"actor_role"`
	Action     string            `gorm:"size:64;not null;index" json:"action"`
	EntityType string            `gorm:"size:64;not null" json:"entity_type"`
	EntityID   *uint             `gorm:"index" json:"entity_id"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}
