package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// activityRecorder receives the liveness watermark for a task each time its
// progress stream moves.
type activityRecorder interface {
	Record(taskID uuid.UUID)
}

// taskProgress is the single writer for one task's externally visible
// progress. Sequence numbers, the monotonic percent, cache refreshes and the
// liveness watermark all funnel through it, so stage workers can report
// concurrently without racing the aggregate.
type taskProgress struct {
	taskID  uuid.UUID
	enabled []scanning.Stage

	bus     scanning.ProgressBus
	cache   scanning.ResultCache
	tracker activityRecorder
	metrics PipelineMetrics
	logger  *logger.Logger
	now     func() time.Time

	minInterval time.Duration

	mu         sync.Mutex
	seq        int64
	percent    int
	snapshot   scanning.TaskSnapshot
	lastReport time.Time
}

func newTaskProgress(
	task *scanning.Task,
	bus scanning.ProgressBus,
	cache scanning.ResultCache,
	tracker activityRecorder,
	metrics PipelineMetrics,
	log *logger.Logger,
	tp scanning.TimeProvider,
	minInterval time.Duration,
) *taskProgress {
	return &taskProgress{
		taskID:      task.TaskID(),
		enabled:     task.Config().EnabledStages(),
		bus:         bus,
		cache:       cache,
		tracker:     tracker,
		metrics:     metrics,
		logger:      log.With("component", "task_progress", "task_id", task.TaskID()),
		now:         tp.Now,
		minInterval: minInterval,
		snapshot:    task.Snapshot(),
		percent:     task.ProgressPercent(),
	}
}

// statusChanged publishes an unthrottled event for a task state change and
// refreshes the cache with the new snapshot.
func (p *taskProgress) statusChanged(ctx context.Context, snap scanning.TaskSnapshot, severity scanning.Severity, message string) {
	p.mu.Lock()
	if snap.Percent > p.percent {
		p.percent = snap.Percent
	}
	snap.Percent = p.percent
	p.snapshot = snap
	ev := p.nextLocked(snap.Stage, snap.Status, message, severity)
	p.mu.Unlock()

	p.cache.Put(snap)
	p.emit(ctx, ev, true)
}

// reportUnits folds a stage-local report into the overall percent and
// publishes it. Publications are throttled, except for a stage's final unit;
// skipped reports still raise the internal percent, so nothing is lost when
// the next event goes out.
func (p *taskProgress) reportUnits(ctx context.Context, stage scanning.Stage, done, total int, message string) {
	if total <= 0 {
		return
	}
	pct := scanning.PercentForStage(p.enabled, stage, float64(done)/float64(total))

	p.mu.Lock()
	if pct > p.percent {
		p.percent = pct
	}
	now := p.now()
	if done < total && now.Sub(p.lastReport) < p.minInterval {
		p.mu.Unlock()
		return
	}
	p.lastReport = now
	snap := p.snapshot
	snap.Percent = p.percent
	p.snapshot = snap
	if message == "" {
		message = fmt.Sprintf("%d/%d", done, total)
	}
	ev := p.nextLocked(stage, snap.Status, message, scanning.SeverityInfo)
	p.mu.Unlock()

	p.cache.Put(snap)
	p.emit(ctx, ev, true)
}

// warn publishes an out-of-band warning on the task stream, such as a retry
// announcement. Warnings are never throttled.
func (p *taskProgress) warn(ctx context.Context, stage scanning.Stage, message string) {
	p.mu.Lock()
	ev := p.nextLocked(stage, p.snapshot.Status, message, scanning.SeverityWarn)
	p.mu.Unlock()
	p.emit(ctx, ev, true)
}

// stall publishes the liveness monitor's warning for a silent task. It does
// not advance the activity watermark; a stall warning is not progress.
func (p *taskProgress) stall(ctx context.Context, silentFor time.Duration) {
	p.mu.Lock()
	ev := p.nextLocked(p.snapshot.Stage, p.snapshot.Status,
		fmt.Sprintf("no progress observed for %s", silentFor.Truncate(time.Second)),
		scanning.SeverityWarn)
	p.mu.Unlock()
	p.emit(ctx, ev, false)
}

// orphaned publishes the final event for a task whose store record vanished.
// The cache entry is the caller's to evict; no refresh happens here.
func (p *taskProgress) orphaned(ctx context.Context, snap scanning.TaskSnapshot, message string) {
	p.mu.Lock()
	p.snapshot = snap
	ev := p.nextLocked(snap.Stage, snap.Status, message, scanning.SeverityError)
	p.mu.Unlock()
	p.emit(ctx, ev, false)
}

// nextLocked assigns the next sequence number and builds the event. Callers
// hold p.mu, which is what makes sequences strictly increasing.
func (p *taskProgress) nextLocked(stage scanning.Stage, status scanning.TaskStatus, message string, severity scanning.Severity) scanning.ProgressEvent {
	p.seq++
	return scanning.ProgressEvent{
		TaskID:    p.taskID,
		Seq:       p.seq,
		Stage:     stage,
		Status:    status,
		Percent:   p.percent,
		Message:   message,
		Severity:  severity,
		Timestamp: p.now(),
	}
}

func (p *taskProgress) emit(ctx context.Context, ev scanning.ProgressEvent, recordActivity bool) {
	if recordActivity && p.tracker != nil {
		p.tracker.Record(p.taskID)
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.logger.Warn(ctx, "Failed to publish progress event", "seq", ev.Seq, "err", err)
		return
	}
	p.metrics.IncProgressEvents(ctx)
}
