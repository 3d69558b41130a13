package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smile/salespipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_TaskRoundTrip(t *testing.T) {
	repo := NewRepository(NewMemoryKV())
	tenantID := uuid.New()
	task, err := domain.NewTask(tenantID, "Send pricing", "desc", domain.TaskPriorityHigh, 0.9, "test-model", "fp-1", "snippet", domain.TaskAccepted, time.Now())
	require.NoError(t, err)

	require.NoError(t, repo.CreateTask(context.Background(), task))

	got, err := repo.GetTask(context.Background(), tenantID, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.Title, got.Title)
}

func TestRepository_ListTasks_TenantScoped(t *testing.T) {
	repo := NewRepository(NewMemoryKV())
	tenantA := uuid.New()
	tenantB := uuid.New()

	taskA, _ := domain.NewTask(tenantA, "Task A", "", domain.TaskPriorityLow, 0.9, "m", "fp", "s", domain.TaskAccepted, time.Now())
	taskB, _ := domain.NewTask(tenantB, "Task B", "", domain.TaskPriorityLow, 0.9, "m", "fp", "s", domain.TaskAccepted, time.Now())
	require.NoError(t, repo.CreateTask(context.Background(), taskA))
	require.NoError(t, repo.CreateTask(context.Background(), taskB))

	listA, _, err := repo.ListTasks(context.Background(), tenantA, "", "", 50)
	require.NoError(t, err)
	require.Len(t, listA, 1)
	assert.Equal(t, "Task A", listA[0].Title)
}

func TestRepository_UpsertContact_UpdatesLastContactMonotonically(t *testing.T) {
	repo := NewRepository(NewMemoryKV())
	tenantID := uuid.New()
	t1 := time.Now()
	c1, err := repo.UpsertContact(context.Background(), tenantID, "Buyer@Example.com", "", domain.ContactEmailExtraction, t1)
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", c1.Email)

	t2 := t1.Add(time.Hour)
	c2, err := repo.UpsertContact(context.Background(), tenantID, "buyer@example.com", "", domain.ContactEmailExtraction, t2)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.True(t, c2.LastContactAt.Equal(t2))

	list, _, err := repo.ListContacts(context.Background(), tenantID, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRepository_IdempotencyRoundTrip(t *testing.T) {
	repo := NewRepository(NewMemoryKV())
	tenantID := uuid.New()
	rec := domain.NewIdempotencyRecord("fp-xyz", tenantID, "msg-1", "subj", "a@b.com", domain.IdempotencyProcessed, "sales_lead", 10, 5, nil, nil, time.Now(), 90)
	require.NoError(t, repo.PutIdempotency(context.Background(), rec))

	got, err := repo.GetIdempotency(context.Background(), "fp-xyz")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.IdempotencyProcessed, got.Status)
}

func TestRepository_PurgeTenant_RemovesOnlyThatTenant(t *testing.T) {
	repo := NewRepository(NewMemoryKV())
	tenantA := uuid.New()
	tenantB := uuid.New()

	taskA, _ := domain.NewTask(tenantA, "Task A", "", domain.TaskPriorityLow, 0.9, "m", "fp", "s", domain.TaskAccepted, time.Now())
	taskB, _ := domain.NewTask(tenantB, "Task B", "", domain.TaskPriorityLow, 0.9, "m", "fp", "s", domain.TaskAccepted, time.Now())
	require.NoError(t, repo.CreateTask(context.Background(), taskA))
	require.NoError(t, repo.CreateTask(context.Background(), taskB))

	rec := domain.NewIdempotencyRecord("fp-a", tenantA, "msg", "subj", "a@b.com", domain.IdempotencyProcessed, "sales_lead", 0, 0, []uuid.UUID{taskA.ID}, nil, time.Now(), 90)
	require.NoError(t, repo.PutIdempotency(context.Background(), rec))

	counts, err := repo.PurgeTenant(context.Background(), tenantA, true)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Tasks)
	assert.Equal(t, 1, counts.Idempotency)

	gotA, err := repo.GetTask(context.Background(), tenantA, taskA.ID)
	require.NoError(t, err)
	assert.Nil(t, gotA)

	gotB, err := repo.GetTask(context.Background(), tenantB, taskB.ID)
	require.NoError(t, err)
	assert.NotNil(t, gotB)

	gotRec, err := repo.GetIdempotency(context.Background(), "fp-a")
	require.NoError(t, err)
	assert.Nil(t, gotRec)
}

func TestRepository_PurgeTenant_PreservesIdempotencyWhenRequested(t *testing.T) {
	repo := NewRepository(NewMemoryKV())
	tenantA := uuid.New()
	rec := domain.NewIdempotencyRecord("fp-a", tenantA, "msg", "subj", "a@b.com", domain.IdempotencyProcessed, "sales_lead", 0, 0, nil, nil, time.Now(), 90)
	require.NoError(t, repo.PutIdempotency(context.Background(), rec))

	_, err := repo.PurgeTenant(context.Background(), tenantA, false)
	require.NoError(t, err)

	gotRec, err := repo.GetIdempotency(context.Background(), "fp-a")
	require.NoError(t, err)
	assert.NotNil(t, gotRec)
}
