// Package pipeline coordinates the execution of compliance scan tasks: it
// claims accepted submissions, drives them through the staged pipeline with
// retries and cooperative cancellation, and keeps the durable store, result
// cache and progress stream consistent at every step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

const (
	// defaultExistenceProbeInterval bounds how often checkpoints re-verify
	// the task's store record while a stage runs.
	defaultExistenceProbeInterval = 5 * time.Second

	// defaultCancelGracePeriod is how long a cancelled task may keep running
	// before its context is torn down and in-flight calls are killed.
	defaultCancelGracePeriod = 10 * time.Second

	// defaultMinReportInterval throttles per-unit progress publications so a
	// chatty stage cannot flood the stream.
	defaultMinReportInterval = 200 * time.Millisecond
)

// Orchestrator drives scan tasks through the staged pipeline. Submit accepts
// work, Run executes one claimed task to a terminal state, Cancel requests a
// cooperative stop, and Status serves the read path.
type Orchestrator interface {
	// Submit validates a submission, persists the pending task and returns
	// its id. It never blocks on pipeline execution. Redelivered submissions
	// with a known id are accepted idempotently.
	Submit(ctx context.Context, targetDomain string, cfg scanning.PipelineConfig, opts ...scanning.TaskOption) (uuid.UUID, error)

	// Run claims a pending task and executes its enabled stages in order,
	// returning once the task reaches a terminal state. It returns nil when
	// the task completed or was cancelled on request, the terminal StageError
	// when the task failed, and an OrphanedTaskError when the store record
	// vanished mid-flight. Losing a claim race is a silent no-op.
	Run(ctx context.Context, taskID uuid.UUID) error

	// Cancel requests a cooperative stop of a pending or running task.
	// Cancelling an already-terminal task is a no-op.
	Cancel(ctx context.Context, taskID uuid.UUID) error

	// Status returns the task's externally visible state, served from the
	// result cache when fresh and from the store otherwise.
	Status(ctx context.Context, taskID uuid.UUID) (scanning.TaskSnapshot, error)
}

// abortError marks the cooperative cancellation of a running task and
// carries why it was requested.
type abortError struct{ reason scanning.TerminalReason }

func (e *abortError) Error() string { return "task aborted: " + string(e.reason) }

// activeTask tracks one task currently executing in this process. It owns the
// task context and the cooperative abort state checkpoints observe.
type activeTask struct {
	taskID uuid.UUID
	cancel context.CancelCauseFunc
	prog   *taskProgress

	mu         sync.Mutex
	abort      error
	graceTimer *time.Timer
	lastProbe  time.Time
}

// requestAbort records the abort cause and arms the grace timer that will
// tear down the task context if execution does not stop cooperatively in
// time. The first cause wins; later requests are ignored.
func (a *activeTask) requestAbort(cause error, grace time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abort != nil {
		return
	}
	a.abort = cause
	if grace <= 0 {
		a.cancel(cause)
		return
	}
	a.graceTimer = time.AfterFunc(grace, func() { a.cancel(cause) })
}

// abortCause returns the pending abort cause, if any.
func (a *activeTask) abortCause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.abort
}

// shouldProbe reports whether enough time has passed since the last
// existence probe, claiming the probe slot when it has.
func (a *activeTask) shouldProbe(now time.Time, interval time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(a.lastProbe) < interval {
		return false
	}
	a.lastProbe = now
	return true
}

// stop releases the task context and any armed grace timer.
func (a *activeTask) stop() {
	a.mu.Lock()
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	a.mu.Unlock()
	a.cancel(nil)
}

// orchestrator is the single writer for every task it runs: all status
// transitions, counter merges and progress publications for a task flow
// through its Run goroutine.
type orchestrator struct {
	store     scanning.TaskStore
	cache     scanning.ResultCache
	bus       scanning.ProgressBus
	publisher events.DomainEventPublisher
	executors ExecutorSet

	mu     sync.Mutex
	active map[uuid.UUID]*activeTask

	retry    RetryPolicy
	liveness *LivenessMonitor
	follower ProgressFollower

	existenceProbeInterval time.Duration
	cancelGracePeriod      time.Duration
	minReportInterval      time.Duration

	timeProvider scanning.TimeProvider

	logger  *logger.Logger
	metrics PipelineMetrics
	tracer  trace.Tracer
}

// ProgressFollower is notified when a task starts executing so an external
// bridge can attach to its progress stream. The relay that forwards events
// onto the broker implements this.
type ProgressFollower interface {
	Follow(ctx context.Context, taskID uuid.UUID)
}

// OrchestratorOption configures optional orchestrator behavior.
type OrchestratorOption func(*orchestrator)

// WithRetryPolicy overrides the backoff shape applied between stage attempts.
func WithRetryPolicy(p RetryPolicy) OrchestratorOption {
	return func(o *orchestrator) { o.retry = p }
}

// WithExistenceProbeInterval overrides how often checkpoints re-verify the
// task record while a stage runs.
func WithExistenceProbeInterval(d time.Duration) OrchestratorOption {
	return func(o *orchestrator) { o.existenceProbeInterval = d }
}

// WithCancelGracePeriod overrides how long a cancelled task may keep running
// before its context is torn down.
func WithCancelGracePeriod(d time.Duration) OrchestratorOption {
	return func(o *orchestrator) { o.cancelGracePeriod = d }
}

// WithMinReportInterval overrides the per-task throttle on unit-level
// progress publications.
func WithMinReportInterval(d time.Duration) OrchestratorOption {
	return func(o *orchestrator) { o.minReportInterval = d }
}

// WithTimeProvider substitutes the clock, primarily for tests.
func WithTimeProvider(tp scanning.TimeProvider) OrchestratorOption {
	return func(o *orchestrator) { o.timeProvider = tp }
}

// WithProgressFollower attaches a bridge that follows each running task's
// progress stream.
func WithProgressFollower(f ProgressFollower) OrchestratorOption {
	return func(o *orchestrator) { o.follower = f }
}

// WithStallDetection tunes the liveness monitor's stall threshold and sweep
// cadence.
func WithStallDetection(threshold, sweepInterval time.Duration) OrchestratorOption {
	return func(o *orchestrator) {
		o.liveness.stallThreshold = threshold
		o.liveness.sweepInterval = sweepInterval
	}
}

// NewOrchestrator creates an orchestrator that executes tasks with the given
// executor set and keeps the store, cache and progress bus consistent.
func NewOrchestrator(
	store scanning.TaskStore,
	cache scanning.ResultCache,
	bus scanning.ProgressBus,
	publisher events.DomainEventPublisher,
	executors ExecutorSet,
	log *logger.Logger,
	metrics PipelineMetrics,
	tracer trace.Tracer,
	opts ...OrchestratorOption,
) *orchestrator {
	log = log.With("component", "orchestrator")

	o := &orchestrator{
		store:                  store,
		cache:                  cache,
		bus:                    bus,
		publisher:              publisher,
		executors:              executors,
		active:                 make(map[uuid.UUID]*activeTask),
		retry:                  DefaultRetryPolicy(),
		existenceProbeInterval: defaultExistenceProbeInterval,
		cancelGracePeriod:      defaultCancelGracePeriod,
		minReportInterval:      defaultMinReportInterval,
		timeProvider:           realClock{},
		logger:                 log,
		metrics:                metrics,
		tracer:                 tracer,
	}
	o.liveness = newLivenessMonitor(o.notifyStall, log, metrics, tracer)

	for _, opt := range opts {
		opt(o)
	}
	o.liveness.now = o.timeProvider.Now
	return o
}

// realClock is the production TimeProvider.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Liveness exposes the stall monitor so the host process can start its sweep
// loop alongside the orchestrator.
func (o *orchestrator) Liveness() *LivenessMonitor { return o.liveness }

// Submit validates and persists a new scan task in PENDING state.
func (o *orchestrator) Submit(
	ctx context.Context,
	targetDomain string,
	cfg scanning.PipelineConfig,
	opts ...scanning.TaskOption,
) (uuid.UUID, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scanning.submit_task",
		trace.WithAttributes(
			attribute.String("component", "orchestrator"),
			attribute.String("target_domain", targetDomain),
		))
	defer span.End()

	task, err := scanning.NewScanTask(targetDomain, cfg, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid submission")
		return uuid.Nil, err
	}
	span.SetAttributes(attribute.String("task_id", task.TaskID().String()))

	if err := o.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, scanning.ErrTaskExists) {
			// Redelivered submission; the first accept won.
			span.AddEvent("duplicate_submission_accepted")
			o.logger.Debug(ctx, "Duplicate submission accepted", "task_id", task.TaskID())
			return task.TaskID(), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist submission")
		return uuid.Nil, fmt.Errorf("persist submission: %w", err)
	}

	o.cache.Put(task.Snapshot())
	o.metrics.IncTasksSubmitted(ctx)
	o.logger.Info(ctx, "Task submitted",
		"task_id", task.TaskID(),
		"target_domain", targetDomain,
		"stages", len(cfg.EnabledStages()),
	)
	span.AddEvent("task_submitted")
	return task.TaskID(), nil
}

// Run claims a pending task and executes it to a terminal state.
func (o *orchestrator) Run(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scanning.run_task",
		trace.WithAttributes(
			attribute.String("component", "orchestrator"),
			attribute.String("task_id", taskID.String()),
		))
	defer span.End()
	log := logger.NewLoggerContext(o.logger.With("operation", "run_task", "task_id", taskID))

	claim := o.store.ConditionalTransition(ctx, taskID,
		scanning.TaskStatusPending, scanning.TaskStatusRunning, scanning.TransitionRecord{})
	switch {
	case claim == nil:
	case errors.Is(claim, scanning.ErrNoTransition):
		// Another delivery claimed the task first, or it was cancelled
		// before it started. This delivery is done.
		o.metrics.IncDuplicateClaims(ctx)
		log.Info(ctx, "Task not pending; skipping claim")
		span.AddEvent("duplicate_claim_skipped")
		return nil
	case errors.Is(claim, scanning.ErrTaskNotFound):
		return o.abortUnclaimed(ctx, taskID, log)
	default:
		span.RecordError(claim)
		span.SetStatus(codes.Error, "failed to claim task")
		return fmt.Errorf("claim task: %w", claim)
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, scanning.ErrTaskNotFound) {
			return o.abortUnclaimed(ctx, taskID, log)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task")
		return fmt.Errorf("load task: %w", err)
	}
	log.Add("target_domain", task.TargetDomain())

	taskCtx, cancel := context.WithCancelCause(ctx)
	prog := newTaskProgress(task, o.bus, o.cache, o.liveness, o.metrics, o.logger, o.timeProvider, o.minReportInterval)
	at := &activeTask{taskID: taskID, cancel: cancel, prog: prog}
	o.register(at)
	o.liveness.Track(taskID)
	o.metrics.SetActiveTasks(ctx, 1)
	started := o.timeProvider.Now()
	defer func() {
		o.unregister(taskID)
		o.liveness.Untrack(taskID)
		at.stop()
		o.metrics.SetActiveTasks(ctx, -1)
		o.metrics.ObserveTaskDuration(ctx, o.timeProvider.Now().Sub(started))
	}()

	if o.follower != nil {
		o.follower.Follow(ctx, taskID)
	}

	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskStartedEvent(taskID, task.TargetDomain()),
		events.WithKey(taskID.String()),
	); err != nil {
		log.Warn(ctx, "Failed to publish task started event", "err", err)
	}
	prog.statusChanged(ctx, task.Snapshot(), scanning.SeverityInfo, "task claimed")
	log.Info(ctx, "Task claimed")
	span.AddEvent("task_claimed")

	runErr := o.executePipeline(taskCtx, task, at, prog, log)

	var orphaned *scanning.OrphanedTaskError
	var abort *abortError
	var stageErr *scanning.StageError
	switch {
	case runErr == nil:
		return o.finishCompleted(ctx, task, prog, log, span)
	case errors.As(runErr, &orphaned):
		return o.abortOrphaned(ctx, task, prog, log, span)
	case errors.As(runErr, &abort):
		return o.finishCancelled(ctx, task, prog, abort.reason, log, span)
	case errors.As(runErr, &stageErr):
		return o.finishFailed(ctx, task, prog, stageErr, log, span)
	default:
		// Infrastructure failure (typically host shutdown): the task stays
		// RUNNING in the store and no terminal event is published.
		o.bus.Complete(taskID)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "pipeline aborted")
		log.Error(ctx, "Pipeline aborted without terminal state", "err", runErr)
		return fmt.Errorf("pipeline aborted: %w", runErr)
	}
}

// executePipeline runs the task's enabled stages in pipeline order. It
// returns nil when every stage finished, an abortError or OrphanedTaskError
// when execution must stop, and a fatal StageError when a stage failed.
func (o *orchestrator) executePipeline(
	ctx context.Context,
	task *scanning.Task,
	at *activeTask,
	prog *taskProgress,
	log *logger.LoggerContext,
) error {
	cfg := task.Config()
	enabled := cfg.EnabledStages()
	input := scanning.NewPipelineInput(task.TargetDomain())

	for _, stage := range enabled {
		if cause := at.abortCause(); cause != nil {
			return cause
		}
		if err := o.ensureTaskExists(ctx, task.TaskID(), log); err != nil {
			return err
		}

		exec, ok := o.executors.executor(stage)
		if !ok {
			return scanning.NewFatalStageError(stage,
				fmt.Errorf("no executor registered for stage %s", stage))
		}

		if err := task.AdvanceStage(stage); err != nil {
			return scanning.NewFatalStageError(stage, err)
		}
		task.RecordProgress(scanning.PercentForStage(enabled, stage, 0))
		if err := o.store.UpdateCounters(ctx, task.TaskID(), scanning.Counters{}, stage, task.ProgressPercent()); err != nil {
			// Mid-pipeline persistence is best effort; the terminal
			// transition is what must land.
			log.Warn(ctx, "Failed to persist stage entry", "stage", stage, "err", err)
		}
		if err := o.publisher.PublishDomainEvent(ctx,
			scanning.NewTaskStageAdvancedEvent(task.TaskID(), stage),
			events.WithKey(task.TaskID().String()),
		); err != nil {
			log.Warn(ctx, "Failed to publish stage advanced event", "stage", stage, "err", err)
		}
		prog.statusChanged(ctx, task.Snapshot(), scanning.SeverityInfo,
			fmt.Sprintf("%s started", strings.ToLower(stage.String())))
		log.Info(ctx, "Stage started", "stage", stage)

		res, err := o.runStageWithRetry(ctx, task, at, exec, input, prog, log)
		if err != nil {
			return err
		}

		delta := input.Absorb(res)
		task.MergeCounters(delta)
		task.RecordProgress(scanning.PercentForStage(enabled, stage, 1))
		if err := o.store.UpdateCounters(ctx, task.TaskID(), delta, stage, task.ProgressPercent()); err != nil {
			log.Warn(ctx, "Failed to persist stage counters", "stage", stage, "err", err)
		}
		prog.statusChanged(ctx, task.Snapshot(), scanning.SeverityInfo,
			fmt.Sprintf("%s completed", strings.ToLower(stage.String())))
		log.Info(ctx, "Stage completed",
			"stage", stage,
			"percent", task.ProgressPercent(),
			"counters", task.Counters(),
		)
	}
	return nil
}

// runStageWithRetry executes one stage with bounded retries. Retryable
// errors back off exponentially with jitter; fatal errors, aborts and
// orphan detections stop the loop immediately. Exhausted retries escalate
// to a fatal StageError.
func (o *orchestrator) runStageWithRetry(
	ctx context.Context,
	task *scanning.Task,
	at *activeTask,
	exec scanning.StageExecutor,
	input *scanning.PipelineInput,
	prog *taskProgress,
	log *logger.LoggerContext,
) (*scanning.StageResult, error) {
	stage := exec.Stage()
	settings := task.Config().Settings(stage)

	ctx, span := o.tracer.Start(ctx, "orchestrator.scanning.run_stage",
		trace.WithAttributes(
			attribute.String("component", "orchestrator"),
			attribute.String("task_id", task.TaskID().String()),
			attribute.String("stage", stage.String()),
			attribute.Int("max_attempts", settings.MaxAttempts),
		))
	defer span.End()

	var res *scanning.StageResult
	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if settings.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
			defer cancel()
		}

		req := scanning.NewStageRequest(task.TaskID(), task.TargetDomain(), task.Config(), input)
		req.Report = func(rctx context.Context, done, total int, message string) {
			prog.reportUnits(rctx, stage, done, total, message)
		}
		req.Checkpoint = o.checkpointFunc(task.TaskID(), at, log)

		stageStart := o.timeProvider.Now()
		r, err := exec.Run(attemptCtx, req)
		o.metrics.ObserveStageDuration(ctx, stage, o.timeProvider.Now().Sub(stageStart))
		if err != nil {
			return classifyAttemptError(ctx, stage, err)
		}
		res = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		o.metrics.IncStageRetries(ctx, stage)
		log.Warn(ctx, "Stage attempt failed; retrying",
			"stage", stage,
			"attempt", attempts,
			"max_attempts", settings.MaxAttempts,
			"backoff", wait,
			"err", err,
		)
		prog.warn(ctx, stage, fmt.Sprintf("%s attempt %d failed, retrying: %v",
			strings.ToLower(stage.String()), attempts, err))
	}

	err := backoff.RetryNotify(operation, o.retry.backOff(ctx, settings.MaxAttempts), notify)
	if err == nil {
		span.SetAttributes(attribute.Int("attempts", attempts))
		return res, nil
	}
	span.RecordError(err)
	span.SetAttributes(attribute.Int("attempts", attempts))

	var stageErr *scanning.StageError
	if errors.As(err, &stageErr) && stageErr.Retryable() {
		// The final attempt was still retryable: the budget is spent, so the
		// task records a definitive failure.
		span.SetStatus(codes.Error, "retries exhausted")
		return nil, scanning.NewFatalStageError(stage,
			fmt.Errorf("retries exhausted after %d attempts: %w", attempts, stageErr.Unwrap()))
	}
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// checkpointFunc builds the gate executors call between units of work. It
// surfaces pending aborts and periodically re-verifies that the task's store
// record still exists.
func (o *orchestrator) checkpointFunc(taskID uuid.UUID, at *activeTask, log *logger.LoggerContext) scanning.CheckpointFunc {
	return func(ctx context.Context) error {
		if cause := at.abortCause(); cause != nil {
			return cause
		}
		if err := ctx.Err(); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}
		if !at.shouldProbe(o.timeProvider.Now(), o.existenceProbeInterval) {
			return nil
		}
		exists, err := o.store.TaskExists(ctx, taskID)
		if err != nil {
			// Probe failures prove nothing; absence must be definitive.
			log.Warn(ctx, "Task existence probe failed", "err", err)
			return nil
		}
		if !exists {
			return scanning.NewOrphanedTaskError(taskID)
		}
		return nil
	}
}

// ensureTaskExists verifies the task record before a stage begins. Infra
// errors are logged and tolerated; definitive absence aborts the task.
func (o *orchestrator) ensureTaskExists(ctx context.Context, taskID uuid.UUID, log *logger.LoggerContext) error {
	exists, err := o.store.TaskExists(ctx, taskID)
	if err != nil {
		log.Warn(ctx, "Task existence check failed before stage", "err", err)
		return nil
	}
	if !exists {
		return scanning.NewOrphanedTaskError(taskID)
	}
	return nil
}

// classifyAttemptError decides whether a stage attempt error should retry.
// Aborts, orphan detections and fatal stage errors are permanent; retryable
// stage errors and attempt timeouts feed the backoff loop.
func classifyAttemptError(ctx context.Context, stage scanning.Stage, err error) error {
	var orphaned *scanning.OrphanedTaskError
	if errors.As(err, &orphaned) {
		return backoff.Permanent(err)
	}
	var abort *abortError
	if errors.As(err, &abort) {
		return backoff.Permanent(err)
	}
	if ctx.Err() != nil {
		// The task context itself died; prefer its cause, which carries the
		// abort or orphan that triggered the teardown.
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return backoff.Permanent(cause)
		}
		return backoff.Permanent(err)
	}
	var stageErr *scanning.StageError
	if errors.As(err, &stageErr) {
		if stageErr.Retryable() {
			return stageErr
		}
		return backoff.Permanent(stageErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The attempt hit its stage timeout while the task stayed alive.
		return scanning.NewRetryableStageError(stage, err)
	}
	return backoff.Permanent(scanning.NewFatalStageError(stage, err))
}

// Cancel requests a cooperative stop for a pending or running task.
func (o *orchestrator) Cancel(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.scanning.cancel_task",
		trace.WithAttributes(
			attribute.String("component", "orchestrator"),
			attribute.String("task_id", taskID.String()),
		))
	defer span.End()

	if at, ok := o.lookup(taskID); ok {
		at.requestAbort(&abortError{reason: scanning.TerminalReasonUserRequested}, o.cancelGracePeriod)
		o.logger.Info(ctx, "Cancellation requested for running task",
			"task_id", taskID, "grace_period", o.cancelGracePeriod)
		span.AddEvent("cancellation_requested")
		return nil
	}

	// Not running here; a pending task can be cancelled directly in the store.
	rec := scanning.TransitionRecord{TerminalReason: scanning.TerminalReasonUserRequested}
	err := o.store.ConditionalTransition(ctx, taskID,
		scanning.TaskStatusPending, scanning.TaskStatusCancelled, rec)
	switch {
	case err == nil:
	case errors.Is(err, scanning.ErrNoTransition):
		// Already terminal; cancelling again changes nothing.
		o.logger.Debug(ctx, "Cancel was a no-op", "task_id", taskID)
		span.AddEvent("cancel_noop")
		return nil
	case errors.Is(err, scanning.ErrTaskNotFound):
		span.AddEvent("task_not_found")
		return scanning.ErrTaskNotFound
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to cancel task")
		return fmt.Errorf("cancel task: %w", err)
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.logger.Warn(ctx, "Cancelled task could not be reloaded", "task_id", taskID, "err", err)
		o.cache.Delete(taskID)
	} else {
		o.cache.Put(task.Snapshot())
	}
	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskCancelledEvent(taskID, scanning.TerminalReasonUserRequested),
		events.WithKey(taskID.String()),
	); err != nil {
		o.logger.Warn(ctx, "Failed to publish task cancelled event", "task_id", taskID, "err", err)
	}
	o.bus.Complete(taskID)
	o.metrics.IncTasksCancelled(ctx, scanning.TerminalReasonUserRequested)
	o.logger.Info(ctx, "Pending task cancelled", "task_id", taskID)
	span.AddEvent("pending_task_cancelled")
	return nil
}

// CancelOrphaned aborts a running task whose store record is gone. It
// reports whether an execution was signalled; the reconciler uses this when
// sweeping.
func (o *orchestrator) CancelOrphaned(ctx context.Context, taskID uuid.UUID) bool {
	at, ok := o.lookup(taskID)
	if !ok {
		return false
	}
	at.requestAbort(scanning.NewOrphanedTaskError(taskID), o.cancelGracePeriod)
	o.logger.Warn(ctx, "Orphan abort requested for running task", "task_id", taskID)
	return true
}

// ActiveTaskIDs lists the tasks currently executing in this process.
func (o *orchestrator) ActiveTaskIDs() []uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Status serves the task's externally visible state, cache first.
func (o *orchestrator) Status(ctx context.Context, taskID uuid.UUID) (scanning.TaskSnapshot, error) {
	if snap, ok := o.cache.Get(taskID); ok {
		return snap, nil
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return scanning.TaskSnapshot{}, err
	}
	snap := task.Snapshot()
	o.cache.Put(snap)
	return snap, nil
}

// notifyStall publishes a warning on a silent task's progress stream. The
// liveness monitor calls this; it never aborts anything.
func (o *orchestrator) notifyStall(ctx context.Context, taskID uuid.UUID, silentFor time.Duration) {
	at, ok := o.lookup(taskID)
	if !ok {
		return
	}
	at.prog.stall(ctx, silentFor)
}

func (o *orchestrator) register(at *activeTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[at.taskID] = at
}

func (o *orchestrator) unregister(taskID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, taskID)
}

func (o *orchestrator) lookup(taskID uuid.UUID) (*activeTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.active[taskID]
	return at, ok
}

// finishCompleted records the COMPLETED terminal state everywhere.
func (o *orchestrator) finishCompleted(
	ctx context.Context,
	task *scanning.Task,
	prog *taskProgress,
	log *logger.LoggerContext,
	span trace.Span,
) error {
	if err := task.Complete(); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	rec := scanning.TransitionRecord{Stage: task.CurrentStage(), Percent: 100}
	if err := o.store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusRunning, scanning.TaskStatusCompleted, rec); err != nil {
		if errors.Is(err, scanning.ErrTaskNotFound) {
			// The record vanished during the final stage.
			return o.abortOrphaned(ctx, task, prog, log, span)
		}
		o.bus.Complete(task.TaskID())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist completion")
		return fmt.Errorf("persist completion: %w", err)
	}

	prog.statusChanged(ctx, task.Snapshot(), scanning.SeverityInfo, "scan completed")
	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskCompletedEvent(task.TaskID(), task.Counters()),
		events.WithKey(task.TaskID().String()),
	); err != nil {
		log.Warn(ctx, "Failed to publish task completed event", "err", err)
	}
	o.bus.Complete(task.TaskID())
	o.metrics.IncTasksCompleted(ctx)
	log.Info(ctx, "Task completed", "counters", task.Counters())
	span.AddEvent("task_completed")
	span.SetStatus(codes.Ok, "task_completed")
	return nil
}

// finishFailed records the FAILED terminal state everywhere and returns the
// stage error that killed the task.
func (o *orchestrator) finishFailed(
	ctx context.Context,
	task *scanning.Task,
	prog *taskProgress,
	stageErr *scanning.StageError,
	log *logger.LoggerContext,
	span trace.Span,
) error {
	if err := task.Fail(stageErr.Stage(), stageErr.Kind(), stageErr.Error()); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	rec := scanning.TransitionRecord{
		Stage:   stageErr.Stage(),
		Percent: task.ProgressPercent(),
		Failure: task.Failure(),
	}
	if err := o.store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusRunning, scanning.TaskStatusFailed, rec); err != nil {
		if errors.Is(err, scanning.ErrTaskNotFound) {
			return o.abortOrphaned(ctx, task, prog, log, span)
		}
		o.bus.Complete(task.TaskID())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist failure")
		return fmt.Errorf("persist failure: %w", err)
	}

	prog.statusChanged(ctx, task.Snapshot(), scanning.SeverityError, "scan failed: "+stageErr.Error())
	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskFailedEvent(task.TaskID(), *task.Failure()),
		events.WithKey(task.TaskID().String()),
	); err != nil {
		log.Warn(ctx, "Failed to publish task failed event", "err", err)
	}
	o.bus.Complete(task.TaskID())
	o.metrics.IncTasksFailed(ctx)
	log.Error(ctx, "Task failed", "stage", stageErr.Stage(), "kind", stageErr.Kind(), "err", stageErr)
	span.AddEvent("task_failed")
	span.SetStatus(codes.Error, "task_failed")
	return stageErr
}

// finishCancelled records the CANCELLED terminal state everywhere. Partial
// counters stay: they reflect real observations.
func (o *orchestrator) finishCancelled(
	ctx context.Context,
	task *scanning.Task,
	prog *taskProgress,
	reason scanning.TerminalReason,
	log *logger.LoggerContext,
	span trace.Span,
) error {
	if err := task.Cancel(reason); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	rec := scanning.TransitionRecord{
		Stage:          task.CurrentStage(),
		Percent:        task.ProgressPercent(),
		TerminalReason: reason,
	}
	if err := o.store.ConditionalTransition(ctx, task.TaskID(),
		scanning.TaskStatusRunning, scanning.TaskStatusCancelled, rec); err != nil {
		if errors.Is(err, scanning.ErrTaskNotFound) {
			return o.abortOrphaned(ctx, task, prog, log, span)
		}
		o.bus.Complete(task.TaskID())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist cancellation")
		return fmt.Errorf("persist cancellation: %w", err)
	}

	prog.statusChanged(ctx, task.Snapshot(), scanning.SeverityWarn, "scan cancelled")
	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskCancelledEvent(task.TaskID(), reason),
		events.WithKey(task.TaskID().String()),
	); err != nil {
		log.Warn(ctx, "Failed to publish task cancelled event", "err", err)
	}
	o.bus.Complete(task.TaskID())
	o.metrics.IncTasksCancelled(ctx, reason)
	log.Info(ctx, "Task cancelled", "reason", reason, "counters", task.Counters())
	span.AddEvent("task_cancelled")
	span.SetStatus(codes.Ok, "task_cancelled")
	return nil
}

// abortOrphaned stops a task whose store record disappeared mid-flight. The
// terminal store write is deliberately skipped: rewriting the row would
// resurrect a deleted task. The cache entry is evicted, not refreshed.
func (o *orchestrator) abortOrphaned(
	ctx context.Context,
	task *scanning.Task,
	prog *taskProgress,
	log *logger.LoggerContext,
	span trace.Span,
) error {
	taskID := task.TaskID()
	if err := task.Cancel(scanning.TerminalReasonOrphaned); err != nil {
		log.Warn(ctx, "Orphaned task was already terminal in memory", "err", err)
	}
	o.cache.Delete(taskID)

	prog.orphaned(ctx, task.Snapshot(), "task record disappeared; aborting")
	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskCancelledEvent(taskID, scanning.TerminalReasonOrphaned),
		events.WithKey(taskID.String()),
	); err != nil {
		log.Warn(ctx, "Failed to publish orphan abort event", "err", err)
	}
	o.bus.Complete(taskID)
	o.metrics.IncOrphanedAborts(ctx)
	log.Warn(ctx, "Task aborted as orphaned")
	span.AddEvent("task_orphaned")
	span.SetStatus(codes.Error, "task_orphaned")
	return scanning.NewOrphanedTaskError(taskID)
}

// abortUnclaimed handles a task whose record was already gone at claim time.
func (o *orchestrator) abortUnclaimed(ctx context.Context, taskID uuid.UUID, log *logger.LoggerContext) error {
	o.cache.Delete(taskID)
	o.bus.Complete(taskID)
	if err := o.publisher.PublishDomainEvent(ctx,
		scanning.NewTaskCancelledEvent(taskID, scanning.TerminalReasonOrphaned),
		events.WithKey(taskID.String()),
	); err != nil {
		log.Warn(ctx, "Failed to publish orphan abort event", "err", err)
	}
	o.metrics.IncOrphanedAborts(ctx)
	log.Warn(ctx, "Task record missing at claim; aborting as orphaned")
	return scanning.NewOrphanedTaskError(taskID)
}
