package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/storage"
)

func setupTaskTest(t *testing.T) (context.Context, *taskStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	store := NewTaskStore(pool, storage.NoOpTracer())
	return context.Background(), store, cleanup
}

func createTestTask(t *testing.T) *scanning.Task {
	t.Helper()
	task, err := scanning.NewScanTask("example.com", scanning.DefaultPipelineConfig())
	require.NoError(t, err)
	return task
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))

	loaded, err := store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, task.TaskID(), loaded.TaskID())
	assert.Equal(t, task.TargetDomain(), loaded.TargetDomain())
	assert.Equal(t, scanning.TaskStatusPending, loaded.Status())
	assert.Equal(t, scanning.StageUnspecified, loaded.CurrentStage())
	assert.Equal(t, 0, loaded.ProgressPercent())
	assert.True(t, loaded.Counters().IsZero())
	assert.Equal(t, task.Config(), loaded.Config())
	assert.True(t, loaded.StartedAt().IsZero())
	assert.True(t, loaded.CompletedAt().IsZero())
}

func TestTaskStore_GetTask_NotFound(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	_, err := store.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, scanning.ErrTaskNotFound)
}

func TestTaskStore_ConditionalTransition_Claim(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))

	err := store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusPending, scanning.TaskStatusRunning,
		scanning.TransitionRecord{Stage: scanning.StageDiscovery})
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusRunning, loaded.Status())
	assert.Equal(t, scanning.StageDiscovery, loaded.CurrentStage())
	assert.False(t, loaded.StartedAt().IsZero())

	// A second claim loses the race deterministically.
	err = store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusPending, scanning.TaskStatusRunning,
		scanning.TransitionRecord{Stage: scanning.StageDiscovery})
	assert.ErrorIs(t, err, scanning.ErrNoTransition)
}

func TestTaskStore_ConditionalTransition_NotFound(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	err := store.ConditionalTransition(ctx, uuid.New(),
		scanning.TaskStatusPending, scanning.TaskStatusRunning,
		scanning.TransitionRecord{})
	assert.ErrorIs(t, err, scanning.ErrTaskNotFound)
}

func TestTaskStore_ConditionalTransition_Terminal(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusPending, scanning.TaskStatusRunning,
		scanning.TransitionRecord{Stage: scanning.StageDiscovery}))

	failure := &scanning.FailureInfo{
		Stage:   scanning.StageAnalyze,
		Kind:    scanning.ErrorKindFatal,
		Message: "classify timed out after 3 attempts",
	}
	err := store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusRunning, scanning.TaskStatusFailed,
		scanning.TransitionRecord{Stage: scanning.StageAnalyze, Percent: 87, Failure: failure})
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailed, loaded.Status())
	assert.Equal(t, 87, loaded.ProgressPercent())
	assert.False(t, loaded.CompletedAt().IsZero())
	require.NotNil(t, loaded.Failure())
	assert.Equal(t, *failure, *loaded.Failure())

	// Terminal rows reject further transitions.
	err = store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusRunning, scanning.TaskStatusCompleted,
		scanning.TransitionRecord{})
	assert.ErrorIs(t, err, scanning.ErrNoTransition)
}

func TestTaskStore_ConditionalTransition_CancelRecordsReason(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))

	err := store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusPending, scanning.TaskStatusCancelled,
		scanning.TransitionRecord{TerminalReason: scanning.TerminalReasonUserRequested})
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusCancelled, loaded.Status())
	assert.Equal(t, scanning.TerminalReasonUserRequested, loaded.TerminalReason())
}

func TestTaskStore_UpdateCounters(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusPending, scanning.TaskStatusRunning,
		scanning.TransitionRecord{Stage: scanning.StageDiscovery}))

	err := store.UpdateCounters(ctx, task.TaskID(),
		scanning.Counters{Subdomains: 3}, scanning.StageDiscovery, 15)
	require.NoError(t, err)

	err = store.UpdateCounters(ctx, task.TaskID(),
		scanning.Counters{PagesCrawled: 10, ThirdPartyDomains: 2}, scanning.StageCrawl, 50)
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.Counters{Subdomains: 3, PagesCrawled: 10, ThirdPartyDomains: 2}, loaded.Counters())
	assert.Equal(t, scanning.StageCrawl, loaded.CurrentStage())
	assert.Equal(t, 50, loaded.ProgressPercent())

	// Percent never regresses even if a late update reports lower.
	require.NoError(t, store.UpdateCounters(ctx, task.TaskID(),
		scanning.Counters{}, scanning.StageCrawl, 20))
	loaded, err = store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, 50, loaded.ProgressPercent())
}

func TestTaskStore_UpdateCounters_RequiresRunning(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))

	err := store.UpdateCounters(ctx, task.TaskID(),
		scanning.Counters{Subdomains: 1}, scanning.StageDiscovery, 5)
	assert.ErrorIs(t, err, scanning.ErrNoTransition)

	err = store.UpdateCounters(ctx, uuid.New(),
		scanning.Counters{Subdomains: 1}, scanning.StageDiscovery, 5)
	assert.ErrorIs(t, err, scanning.ErrTaskNotFound)
}

func TestTaskStore_TasksExist(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	present := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, present))
	missing := uuid.New()

	got, err := store.TasksExist(ctx, []uuid.UUID{present.TaskID(), missing})
	require.NoError(t, err)
	assert.True(t, got[present.TaskID()])
	assert.False(t, got[missing])

	empty, err := store.TasksExist(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTaskStore_DeleteTask(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))

	exists, err := store.TaskExists(ctx, task.TaskID())
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.DeleteTask(ctx, task.TaskID()))

	exists, err = store.TaskExists(ctx, task.TaskID())
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, store.DeleteTask(ctx, task.TaskID()), scanning.ErrTaskNotFound)
}

func TestTaskStore_TimestampsSurviveRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupTaskTest(t)
	defer cleanup()

	task := createTestTask(t)
	require.NoError(t, store.CreateTask(ctx, task))

	loaded, err := store.GetTask(ctx, task.TaskID())
	require.NoError(t, err)
	assert.WithinDuration(t, task.CreatedAt(), loaded.CreatedAt(), time.Second)
}
