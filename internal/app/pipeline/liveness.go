package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/pkg/common/logger"
)

const (
	// defaultStallThreshold is how long a task may go without progress
	// before it is flagged as stalled.
	defaultStallThreshold = 30 * time.Second

	// defaultSweepInterval is the cadence of the stall sweep.
	defaultSweepInterval = 10 * time.Second
)

// stallNotifier receives the warning for a stalled task. The orchestrator
// implements it by publishing on the task's progress stream.
type stallNotifier func(ctx context.Context, taskID uuid.UUID, silentFor time.Duration)

// livenessMetrics is the slice of pipeline metrics the monitor needs.
type livenessMetrics interface {
	SetStalledTasks(ctx context.Context, count int)
}

// taskActivity is one tracked task's watermark. warned suppresses repeat
// notifications until the task shows signs of life again.
type taskActivity struct {
	lastSeen time.Time
	warned   bool
}

// LivenessMonitor watches per-task activity watermarks and flags tasks that
// have gone silent past the stall threshold. It only ever warns; deciding a
// task is truly dead belongs to the reconciler and the operator.
type LivenessMonitor struct {
	stallThreshold time.Duration
	sweepInterval  time.Duration

	mu     sync.Mutex
	tracks map[uuid.UUID]*taskActivity

	notify stallNotifier
	now    func() time.Time

	cancel context.CancelCauseFunc

	logger  *logger.Logger
	metrics livenessMetrics
	tracer  trace.Tracer
}

func newLivenessMonitor(
	notify stallNotifier,
	log *logger.Logger,
	metrics livenessMetrics,
	tracer trace.Tracer,
) *LivenessMonitor {
	return &LivenessMonitor{
		stallThreshold: defaultStallThreshold,
		sweepInterval:  defaultSweepInterval,
		tracks:         make(map[uuid.UUID]*taskActivity),
		notify:         notify,
		now:            time.Now,
		logger:         log.With("component", "liveness_monitor"),
		metrics:        metrics,
		tracer:         tracer,
	}
}

// Track begins watching a task, with the watermark set to now.
func (m *LivenessMonitor) Track(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[taskID] = &taskActivity{lastSeen: m.now()}
}

// Record advances a task's watermark and re-arms its stall warning.
func (m *LivenessMonitor) Record(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracks[taskID]; ok {
		t.lastSeen = m.now()
		t.warned = false
	}
}

// Untrack stops watching a task.
func (m *LivenessMonitor) Untrack(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, taskID)
}

// Start launches the background sweep loop. It returns immediately; Stop
// shuts the loop down.
func (m *LivenessMonitor) Start(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "liveness_monitor.scanning.start_sweep_loop",
		trace.WithAttributes(
			attribute.String("stall_threshold", m.stallThreshold.String()),
			attribute.String("sweep_interval", m.sweepInterval.String()),
		))
	defer span.End()

	ctx, m.cancel = context.WithCancelCause(ctx)
	span.AddEvent("sweep_loop_started")

	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (m *LivenessMonitor) Stop() {
	if m.cancel != nil {
		m.cancel(errors.New("liveness monitor stopped"))
	}
}

// sweep flags every tracked task whose watermark is older than the stall
// threshold and refreshes the stalled-tasks gauge.
func (m *LivenessMonitor) sweep(ctx context.Context) {
	now := m.now()

	type stalled struct {
		taskID    uuid.UUID
		silentFor time.Duration
	}
	var flagged []stalled
	count := 0

	m.mu.Lock()
	for id, t := range m.tracks {
		silent := now.Sub(t.lastSeen)
		if silent < m.stallThreshold {
			continue
		}
		count++
		if !t.warned {
			t.warned = true
			flagged = append(flagged, stalled{taskID: id, silentFor: silent})
		}
	}
	m.mu.Unlock()

	m.metrics.SetStalledTasks(ctx, count)

	for _, s := range flagged {
		m.logger.Warn(ctx, "Task has stalled",
			"task_id", s.taskID,
			"silent_for", s.silentFor.Truncate(time.Second),
			"stall_threshold", m.stallThreshold,
		)
		if m.notify != nil {
			m.notify(ctx, s.taskID, s.silentFor)
		}
	}
}
