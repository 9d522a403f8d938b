package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// stallRecorder captures liveness notifications.
type stallRecorder struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *stallRecorder) notify(_ context.Context, taskID uuid.UUID, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, taskID)
}

func (r *stallRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// gaugeMetrics records the last stalled-tasks gauge value.
type gaugeMetrics struct {
	mu   sync.Mutex
	last int
}

func (g *gaugeMetrics) SetStalledTasks(_ context.Context, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = count
}

func (g *gaugeMetrics) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func newTestMonitor(recorder *stallRecorder, gauge *gaugeMetrics, clock *fakeClock) *LivenessMonitor {
	m := newLivenessMonitor(recorder.notify, logger.Noop(), gauge, noop.NewTracerProvider().Tracer("test"))
	m.stallThreshold = 30 * time.Second
	m.now = clock.Now
	return m
}

func TestLivenessMonitor_FlagsSilentTaskOnce(t *testing.T) {
	t.Parallel()

	recorder := &stallRecorder{}
	gauge := &gaugeMetrics{}
	clock := newFakeClock()
	m := newTestMonitor(recorder, gauge, clock)
	ctx := context.Background()

	taskID := uuid.New()
	m.Track(taskID)

	m.sweep(ctx)
	assert.Zero(t, recorder.count(), "a fresh task is not stalled")
	assert.Zero(t, gauge.value())

	clock.advance(31 * time.Second)
	m.sweep(ctx)
	require.Equal(t, 1, recorder.count())
	assert.Equal(t, 1, gauge.value())

	// Still silent: the gauge keeps counting it, the warning does not repeat.
	m.sweep(ctx)
	assert.Equal(t, 1, recorder.count())
	assert.Equal(t, 1, gauge.value())
}

func TestLivenessMonitor_ActivityReArmsWarning(t *testing.T) {
	t.Parallel()

	recorder := &stallRecorder{}
	gauge := &gaugeMetrics{}
	clock := newFakeClock()
	m := newTestMonitor(recorder, gauge, clock)
	ctx := context.Background()

	taskID := uuid.New()
	m.Track(taskID)

	clock.advance(31 * time.Second)
	m.sweep(ctx)
	require.Equal(t, 1, recorder.count())

	m.Record(taskID)
	m.sweep(ctx)
	assert.Equal(t, 1, recorder.count())
	assert.Zero(t, gauge.value(), "progress clears the stalled gauge")

	// Going silent again warns again.
	clock.advance(31 * time.Second)
	m.sweep(ctx)
	assert.Equal(t, 2, recorder.count())
}

func TestLivenessMonitor_UntrackStopsWatching(t *testing.T) {
	t.Parallel()

	recorder := &stallRecorder{}
	gauge := &gaugeMetrics{}
	clock := newFakeClock()
	m := newTestMonitor(recorder, gauge, clock)
	ctx := context.Background()

	taskID := uuid.New()
	m.Track(taskID)
	m.Untrack(taskID)

	clock.advance(time.Hour)
	m.sweep(ctx)
	assert.Zero(t, recorder.count())
	assert.Zero(t, gauge.value())
}

func TestLivenessMonitor_SweepLoop(t *testing.T) {
	t.Parallel()

	recorder := &stallRecorder{}
	m := newLivenessMonitor(recorder.notify, logger.Noop(), &gaugeMetrics{}, noop.NewTracerProvider().Tracer("test"))
	m.stallThreshold = 5 * time.Millisecond
	m.sweepInterval = 5 * time.Millisecond

	m.Track(uuid.New())
	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool { return recorder.count() > 0 },
		2*time.Second, 5*time.Millisecond, "sweep loop never flagged the silent task")
}

func TestOrchestrator_StallWarningReachesStream(t *testing.T) {
	t.Parallel()

	stages := newStageSet()
	h := newHarness(t, stages.list(), WithStallDetection(10*time.Millisecond, 5*time.Millisecond))

	defaultRun := stages.crawl.run
	stages.crawl.run = func(ctx context.Context, req *scanning.StageRequest) (*scanning.StageResult, error) {
		time.Sleep(80 * time.Millisecond)
		return defaultRun(ctx, req)
	}

	h.orch.Liveness().Start(context.Background())
	defer h.orch.Liveness().Stop()

	taskID := h.submit(t, scanning.DefaultPipelineConfig())
	wait := followProgress(t, h.bus, taskID)

	require.NoError(t, h.orch.Run(context.Background(), taskID))

	var sawStall bool
	for _, ev := range wait() {
		if ev.Gap {
			continue
		}
		if ev.Severity == scanning.SeverityWarn && ev.Status == scanning.TaskStatusRunning {
			sawStall = true
		}
	}
	assert.True(t, sawStall, "expected a stall warning while crawl was silent")
	assert.Equal(t, scanning.TaskStatusCompleted, h.taskFromStore(t, taskID).Status())
}
