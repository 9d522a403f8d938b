package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/cache"
	"github.com/compliscan/compliscan/internal/infra/storage/memory"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

type fakeOrphanHandler struct {
	mu        sync.Mutex
	active    []uuid.UUID
	cancelled []uuid.UUID
}

func (h *fakeOrphanHandler) ActiveTaskIDs() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uuid.UUID, len(h.active))
	copy(out, h.active)
	return out
}

func (h *fakeOrphanHandler) CancelOrphaned(_ context.Context, taskID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, taskID)
	for _, id := range h.active {
		if id == taskID {
			return true
		}
	}
	return false
}

func (h *fakeOrphanHandler) cancelledIDs() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uuid.UUID, len(h.cancelled))
	copy(out, h.cancelled)
	return out
}

type failingStore struct {
	*memory.TaskStore
	err error
}

func (s *failingStore) TasksExist(context.Context, []uuid.UUID) (map[uuid.UUID]bool, error) {
	return nil, s.err
}

func newTestReconciler(
	t *testing.T,
	store scanning.TaskStore,
	handler OrphanHandler,
	opts ...Option,
) (*Reconciler, *cache.ResultCache) {
	t.Helper()

	resultCache, err := cache.NewResultCache(cache.Config{MaxEntries: 512, TTL: time.Hour})
	require.NoError(t, err)

	r := NewReconciler(
		store,
		resultCache,
		handler,
		logger.Noop(),
		NoopMetrics{},
		noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
	return r, resultCache
}

// storedTask persists a fresh task and returns its id.
func storedTask(t *testing.T, store *memory.TaskStore) uuid.UUID {
	t.Helper()
	task, err := scanning.NewScanTask("example.com", scanning.DefaultPipelineConfig())
	require.NoError(t, err)
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task.TaskID()
}

func TestReconciler_SweepEvictsOrphanedCacheEntries(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	handler := &fakeOrphanHandler{}
	r, resultCache := newTestReconciler(t, store, handler)

	liveA := storedTask(t, store)
	liveB := storedTask(t, store)
	orphan := uuid.New()

	for _, id := range []uuid.UUID{liveA, liveB, orphan} {
		resultCache.Put(scanning.TaskSnapshot{TaskID: id, Status: scanning.TaskStatusRunning})
	}

	require.NoError(t, r.Sweep(context.Background()))

	_, ok := resultCache.Get(orphan)
	assert.False(t, ok, "orphan entry should be evicted")
	_, ok = resultCache.Get(liveA)
	assert.True(t, ok, "entries with live records must survive the sweep")
	_, ok = resultCache.Get(liveB)
	assert.True(t, ok)

	assert.Equal(t, []uuid.UUID{orphan}, handler.cancelledIDs())
}

func TestReconciler_SweepCoversActiveTasksMissingFromCache(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	// Actively executing but absent from both cache and store: the task
	// record was deleted and the snapshot already aged out.
	ghost := uuid.New()
	handler := &fakeOrphanHandler{active: []uuid.UUID{ghost}}
	r, _ := newTestReconciler(t, store, handler)

	require.NoError(t, r.Sweep(context.Background()))

	assert.Equal(t, []uuid.UUID{ghost}, handler.cancelledIDs())
}

func TestReconciler_SweepBatchesExistenceChecks(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	handler := &fakeOrphanHandler{}
	r, resultCache := newTestReconciler(t, store, handler)

	// Three batches worth of candidates with orphans scattered through them.
	orphans := make(map[uuid.UUID]bool)
	for i := range 250 {
		var id uuid.UUID
		if i%5 == 0 {
			id = uuid.New()
			orphans[id] = true
		} else {
			id = storedTask(t, store)
		}
		resultCache.Put(scanning.TaskSnapshot{TaskID: id, Status: scanning.TaskStatusPending})
	}

	require.NoError(t, r.Sweep(context.Background()))

	for id := range orphans {
		_, ok := resultCache.Get(id)
		assert.False(t, ok, "orphan %s should be evicted", id)
	}
	assert.Len(t, handler.cancelledIDs(), len(orphans))
	assert.Equal(t, 250-len(orphans), resultCache.Len())
}

func TestReconciler_SweepEmptyIsNoOp(t *testing.T) {
	t.Parallel()

	handler := &fakeOrphanHandler{}
	r, _ := newTestReconciler(t, memory.NewTaskStore(), handler)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Empty(t, handler.cancelledIDs())
}

func TestReconciler_SweepStoreFailureWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	store := &failingStore{TaskStore: memory.NewTaskStore(), err: boom}
	handler := &fakeOrphanHandler{}
	r, resultCache := newTestReconciler(t, store, handler)

	id := uuid.New()
	resultCache.Put(scanning.TaskSnapshot{TaskID: id, Status: scanning.TaskStatusRunning})

	err := r.Sweep(context.Background())
	require.Error(t, err)

	var recErr *scanning.ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "existence check", recErr.Phase())
	assert.ErrorIs(t, err, boom)

	// An inconclusive sweep must not evict anything.
	_, ok := resultCache.Get(id)
	assert.True(t, ok)
	assert.Empty(t, handler.cancelledIDs())
}

func TestReconciler_StartRunsStartupSweep(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	handler := &fakeOrphanHandler{}
	r, resultCache := newTestReconciler(t, store, handler,
		WithStartupDelay(time.Millisecond),
		WithInterval(time.Hour),
	)

	orphan := uuid.New()
	resultCache.Put(scanning.TaskSnapshot{TaskID: orphan, Status: scanning.TaskStatusRunning})

	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		_, ok := resultCache.Get(orphan)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "startup sweep should evict the orphan")
}

func TestReconciler_StopHaltsSweepLoop(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	handler := &fakeOrphanHandler{}
	r, resultCache := newTestReconciler(t, store, handler,
		WithStartupDelay(time.Millisecond),
		WithInterval(time.Millisecond),
	)

	r.Start(context.Background())

	// Wait for at least one sweep, then stop and verify no further evictions.
	first := uuid.New()
	resultCache.Put(scanning.TaskSnapshot{TaskID: first, Status: scanning.TaskStatusRunning})
	require.Eventually(t, func() bool {
		_, ok := resultCache.Get(first)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	time.Sleep(10 * time.Millisecond)

	late := uuid.New()
	resultCache.Put(scanning.TaskSnapshot{TaskID: late, Status: scanning.TaskStatusRunning})
	time.Sleep(20 * time.Millisecond)

	_, ok := resultCache.Get(late)
	assert.True(t, ok, "no sweeps should run after Stop")
}

func TestReconciler_GatherCandidatesDeduplicates(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	shared := uuid.New()
	handler := &fakeOrphanHandler{active: []uuid.UUID{shared}}
	r, resultCache := newTestReconciler(t, store, handler)

	resultCache.Put(scanning.TaskSnapshot{TaskID: shared, Status: scanning.TaskStatusRunning})

	require.NoError(t, r.Sweep(context.Background()))

	// The shared id appears in cache and active set but is checked once.
	assert.Equal(t, []uuid.UUID{shared}, handler.cancelledIDs(),
		fmt.Sprintf("expected a single abort signal for %s", shared))
}
