package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
)

// Grading event types.
const (
	GradingEventGraded     = "submission.graded"
	GradingEventFailed     = "submission.failed"
	GradingEventOverridden = "submission.overridden"
)

// GradingEvent is broadcast whenever a grading pass ends or a score is overridden.
type GradingEvent struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	SubmissionID       uint      `json:"submission_id"`
	StudentID          uint      `json:"student_id"`
	QuestionID         uint      `json:"question_id"`
	Status             string    `json:"status"`
	OverallScore       *float64  `json:"overall_score"`
	ScaledOverallScore *float64  `json:"scaled_overall_score"`
	Attempts           int       `json:"attempts"`
	Error              string    `json:"error,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// NewGradingEvent snapshots a submission into an event.
func NewGradingEvent(eventType string, submission models.Submission, occurredAt time.Time) GradingEvent {
	return GradingEvent{
		ID:                 uuid.NewString(),
		Type:               eventType,
		SubmissionID:       submission.ID,
		StudentID:          submission.StudentID,
		QuestionID:         submission.QuestionID,
		Status:             string(submission.Status),
		OverallScore:       submission.OverallScore,
		ScaledOverallScore: submission.ScaledOverallScore,
		Attempts:           submission.Attempts,
		Error:              submission.GradingMetadata.Error,
		OccurredAt:         occurredAt.UTC(),
	}
}

// GradingEventPublisher fans grading events out to interested services.
type GradingEventPublisher interface {
	Publish(ctx context.Context, event GradingEvent) error
}

type gradingEventPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
}

// NewGradingEventPublisher publishes to Redis pub/sub and NATS. Either transport may be nil.
func NewGradingEventPublisher(redisClient *redis.Client, channel string, natsConn *nats.Conn, logger zerolog.Logger) GradingEventPublisher {
	subject := ""
	if channel != "" {
		subject = strings.ReplaceAll(channel, ":", ".") + ".events"
	}

	return &gradingEventPublisher{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "grading_events").Logger(),
	}
}

func (p *gradingEventPublisher) Publish(ctx context.Context, event GradingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var errs []error
	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
