package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestNewGradingEventSnapshotsSubmission(t *testing.T) {
	score := 0.4
	scaled := 4.0
	submission := models.Submission{
		ID:                 11,
		StudentID:          42,
		QuestionID:         7,
		Status:             models.SubmissionStatusGraded,
		OverallScore:       &score,
		ScaledOverallScore: &scaled,
		Attempts:           2,
	}

	event := NewGradingEvent(GradingEventGraded, submission, testNow())
	require.NotEmpty(t, event.ID)
	require.Equal(t, GradingEventGraded, event.Type)
	require.Equal(t, uint(11), event.SubmissionID)
	require.Equal(t, "graded", event.Status)
	require.Equal(t, 2, event.Attempts)
	require.InDelta(t, 4.0, *event.ScaledOverallScore, 1e-9)
	require.Equal(t, testNow(), event.OccurredAt)
}

func TestGradingEventPublisherRedis(t *testing.T) {
	_, client := newTestRedis(t)
	publisher := NewGradingEventPublisher(client, "gema:grading", nil, testLogger())

	ctx := context.Background()
	sub := client.Subscribe(ctx, "gema:grading")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	event := NewGradingEvent(GradingEventFailed, models.Submission{
		ID:              3,
		Status:          models.SubmissionStatusError,
		GradingMetadata: models.GradingMetadata{Error: "scoring capability unavailable"},
	}, testNow())
	require.NoError(t, publisher.Publish(ctx, event))

	select {
	case msg := <-sub.Channel():
		var decoded GradingEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
		require.Equal(t, event.ID, decoded.ID)
		require.Equal(t, GradingEventFailed, decoded.Type)
		require.Equal(t, "scoring capability unavailable", decoded.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestGradingEventPublisherWithoutTransports(t *testing.T) {
	publisher := NewGradingEventPublisher(nil, "", nil, testLogger())
	require.NoError(t, publisher.Publish(context.Background(), NewGradingEvent(GradingEventGraded, models.Submission{ID: 1}, testNow())))
}
