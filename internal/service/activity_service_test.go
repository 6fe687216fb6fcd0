package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

type memoryActivityRepo struct {
	entries []models.ActivityLog
	filter  repository.ActivityLogFilter
}

func (m *memoryActivityRepo) Create(ctx context.Context, entry *models.ActivityLog) error {
	entry.ID = uint(len(m.entries) + 1)
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryActivityRepo) List(ctx context.Context, filter repository.ActivityLogFilter) ([]models.ActivityLog, int64, error) {
	m.filter = filter
	return append([]models.ActivityLog(nil), m.entries...), int64(len(m.entries)), nil
}

func TestActivityServiceRecordMasksSecrets(t *testing.T) {
	repo := &memoryActivityRepo{}
	svc := NewActivityService(repo, testLogger())

	entry, err := svc.Record(context.Background(), ActivityEntry{
		ActorID:    7,
		ActorRole:  " Teacher ",
		Action:     models.ActivityActionSubmissionOverridden,
		EntityType: models.ActivityEntitySubmission,
		EntityID:   ptrUint(5),
		Metadata: map[string]interface{}{
			"student_email": "student@example.com",
			"reason":        "Diagram was correct",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "***", entry.Metadata["student_email"])
	require.Equal(t, "Diagram was correct", entry.Metadata["reason"])
	require.Equal(t, "teacher", entry.ActorRole)
	require.Equal(t, uint(7), entry.ActorID)
}

func TestActivityServiceRecordRequiresActionAndEntity(t *testing.T) {
	svc := NewActivityService(&memoryActivityRepo{}, testLogger())

	_, err := svc.Record(context.Background(), ActivityEntry{EntityType: models.ActivityEntitySubmission})
	require.Error(t, err)

	_, err = svc.Record(context.Background(), ActivityEntry{Action: models.ActivityActionBatchGraded})
	require.Error(t, err)
}

func TestActivityServiceRecordDefaultsSystemRole(t *testing.T) {
	svc := NewActivityService(&memoryActivityRepo{}, testLogger())

	entry, err := svc.Record(context.Background(), ActivityEntry{
		Action:     models.ActivityActionBatchGraded,
		EntityType: models.ActivityEntitySubmission,
	})
	require.NoError(t, err)
	require.Equal(t, "system", entry.ActorRole)
	require.NotNil(t, entry.Metadata)
}

func TestActivityServiceListForEntityScopesFilter(t *testing.T) {
	repo := &memoryActivityRepo{}
	svc := NewActivityService(repo, testLogger())

	_, err := svc.Record(context.Background(), ActivityEntry{
		ActorID:    7,
		ActorRole:  RoleTeacher,
		Action:     models.ActivityActionSubmissionRegraded,
		EntityType: models.ActivityEntitySubmission,
		EntityID:   ptrUint(11),
	})
	require.NoError(t, err)

	list, err := svc.ListForEntity(context.Background(), "Submission", 11, 2, 5)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Equal(t, "submission", repo.filter.EntityType)
	require.NotNil(t, repo.filter.EntityID)
	require.Equal(t, uint(11), *repo.filter.EntityID)
	require.Equal(t, 2, repo.filter.Page)
	require.Equal(t, 5, repo.filter.PageSize)
}

func ptrUint(v uint) *uint {
	return &v
}
