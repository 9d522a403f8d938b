// Package reconcile periodically verifies that every task this process knows
// about still has a store record. The store is the source of truth; cache
// entries and running executions that lost their record are cleaned up here
// so a deleted task can never keep executing or serving status reads.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

const (
	// defaultInterval is the cadence of periodic sweeps. Orphans are rare;
	// checkpoint probes catch the urgent cases between sweeps.
	defaultInterval = time.Hour

	// defaultStartupDelay postpones the first sweep until the process has
	// settled and the cache carries real entries.
	defaultStartupDelay = 10 * time.Second

	// existsBatchSize bounds how many ids one existence query carries.
	existsBatchSize = 100
)

// OrphanHandler is the slice of the orchestrator the reconciler drives: it
// enumerates in-flight executions and aborts the ones whose records are gone.
type OrphanHandler interface {
	// ActiveTaskIDs lists the tasks currently executing in this process.
	ActiveTaskIDs() []uuid.UUID

	// CancelOrphaned signals the orphan abort of a running task, reporting
	// whether an execution was actually signalled.
	CancelOrphaned(ctx context.Context, taskID uuid.UUID) bool
}

// Reconciler sweeps the union of cached and actively executing task ids
// against the store, evicting and aborting whatever no longer exists there.
type Reconciler struct {
	store   scanning.TaskStore
	cache   scanning.ResultCache
	handler OrphanHandler

	interval     time.Duration
	startupDelay time.Duration

	cancel context.CancelCauseFunc

	logger  *logger.Logger
	metrics ReconcilerMetrics
	tracer  trace.Tracer
}

// Option configures optional reconciler behavior.
type Option func(*Reconciler)

// WithInterval overrides the periodic sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithStartupDelay overrides how long the first sweep waits after Start.
func WithStartupDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.startupDelay = d }
}

// NewReconciler creates a reconciler over the given store, cache and
// orphan handler.
func NewReconciler(
	store scanning.TaskStore,
	cache scanning.ResultCache,
	handler OrphanHandler,
	log *logger.Logger,
	metrics ReconcilerMetrics,
	tracer trace.Tracer,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		store:        store,
		cache:        cache,
		handler:      handler,
		interval:     defaultInterval,
		startupDelay: defaultStartupDelay,
		logger:       log.With("component", "reconciler"),
		metrics:      metrics,
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background sweep loop: one startup sweep after the
// configured delay, then one sweep per interval. It returns immediately;
// Stop shuts the loop down.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "reconciler.scanning.start_sweep_loop",
		trace.WithAttributes(
			attribute.String("interval", r.interval.String()),
			attribute.String("startup_delay", r.startupDelay.String()),
		))
	defer span.End()

	ctx, r.cancel = context.WithCancelCause(ctx)
	span.AddEvent("sweep_loop_started")

	go func() {
		startup := time.NewTimer(r.startupDelay)
		defer startup.Stop()
		select {
		case <-startup.C:
			r.runSweep(ctx)
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.runSweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the sweep loop to terminate.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel(errors.New("reconciler stopped"))
	}
	r.logger.Info(context.Background(), "Reconciler stopped")
}

// runSweep executes one sweep and absorbs its failure. A failed sweep is
// retried at the next interval; it never propagates into task execution.
func (r *Reconciler) runSweep(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error(ctx, "Reconciliation sweep failed", "err", err)
	}
}

// Sweep checks every known task id against the store once. Ids whose record
// is gone are evicted from the cache and, when still executing here, signalled
// to abort as orphaned.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "reconciler.scanning.sweep")
	defer span.End()
	started := time.Now()

	r.metrics.IncSweeps(ctx)

	candidates := r.gatherCandidates()
	span.SetAttributes(attribute.Int("candidate_count", len(candidates)))
	if len(candidates) == 0 {
		span.AddEvent("no_candidates")
		return nil
	}

	orphans := 0
	for offset := 0; offset < len(candidates); offset += existsBatchSize {
		batch := candidates[offset:min(offset+existsBatchSize, len(candidates))]
		exists, err := r.store.TasksExist(ctx, batch)
		if err != nil {
			r.metrics.IncSweepFailures(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, "existence check failed")
			return scanning.NewReconciliationError("existence check", err)
		}

		for _, id := range batch {
			if exists[id] {
				continue
			}
			orphans++
			r.cache.Delete(id)
			if r.handler.CancelOrphaned(ctx, id) {
				r.logger.Warn(ctx, "Signalled orphan abort for running task", "task_id", id)
			}
			r.metrics.IncOrphansEvicted(ctx)
		}
	}

	r.metrics.ObserveSweepDuration(ctx, time.Since(started))
	span.SetAttributes(attribute.Int("orphan_count", orphans))
	span.AddEvent("sweep_completed")
	span.SetStatus(codes.Ok, "sweep_completed")
	if orphans > 0 {
		r.logger.Info(ctx, "Reconciliation sweep evicted orphans",
			"candidates", len(candidates), "orphans", orphans)
	} else {
		r.logger.Debug(ctx, "Reconciliation sweep found no orphans",
			"candidates", len(candidates))
	}
	return nil
}

// gatherCandidates unions the cached task ids with the actively executing
// ones. An active task may have aged out of the cache; it still must be
// checked.
func (r *Reconciler) gatherCandidates() []uuid.UUID {
	cached := r.cache.TaskIDs()
	active := r.handler.ActiveTaskIDs()

	seen := make(map[uuid.UUID]struct{}, len(cached)+len(active))
	out := make([]uuid.UUID, 0, len(cached)+len(active))
	for _, ids := range [][]uuid.UUID{cached, active} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
