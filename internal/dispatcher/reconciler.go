package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/cronmaster/internal/core"
	"github.com/edvin/cronmaster/internal/metrics"
	"github.com/edvin/cronmaster/internal/model"
)

// ReconcilerConfig sets the maintenance cadences and retention.
type ReconcilerConfig struct {
	ReconcileInterval time.Duration
	PruneInterval     time.Duration
	Retention         time.Duration
	HealthInterval    time.Duration
}

// Reconciler converges the dispatcher's live set with the repository, prunes
// old executions, reclaims orphaned running rows at startup and emits a
// health snapshot. The repository wins every disagreement.
type Reconciler struct {
	d      *Dispatcher
	store  Store
	logger zerolog.Logger
	cfg    ReconcilerConfig
}

func NewReconciler(d *Dispatcher, store Store, logger zerolog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	return &Reconciler{
		d:      d,
		store:  store,
		logger: logger.With().Str("component", "reconciler").Logger(),
		cfg:    cfg,
	}
}

// Start runs the startup pass (orphan reclaim + initial reconcile) and then
// the periodic loops until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.ReclaimOrphans(ctx); err != nil {
		return fmt.Errorf("reclaim orphans: %w", err)
	}
	if err := r.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	go r.loop(ctx, r.cfg.ReconcileInterval, "reconcile", func(ctx context.Context) error {
		return r.Reconcile(ctx)
	})
	go r.loop(ctx, r.cfg.PruneInterval, "prune", func(ctx context.Context) error {
		return r.Prune(ctx)
	})
	go r.loop(ctx, r.cfg.HealthInterval, "health", func(ctx context.Context) error {
		r.emitHealth()
		return nil
	})
	return nil
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				r.logger.Error().Err(err).Str("task", name).Msg("maintenance task failed")
			}
		}
	}
}

// Reconcile loads the authoritative set of active job IDs and converges the
// live set: arm what the database has and the dispatcher lacks, disarm what
// the dispatcher holds and the database no longer marks active.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	active, err := r.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	want := make(map[int64]bool, len(active))
	for _, job := range active {
		want[job.ID] = true
	}

	var added, removed int
	for _, id := range r.d.ArmedIDs() {
		if !want[id] {
			r.d.RemoveJob(id)
			removed++
		}
	}
	armed := make(map[int64]bool)
	for _, id := range r.d.ArmedIDs() {
		armed[id] = true
	}
	for id := range want {
		if !armed[id] {
			if err := r.d.AddJob(ctx, id); err != nil {
				r.logger.Error().Err(err).Int64("job_id", id).Msg("arm job during reconcile failed")
				continue
			}
			added++
		}
	}

	now := time.Now().UTC()
	r.d.noteReconcile(now)
	metrics.SetLastReconcile(now)

	if added > 0 || removed > 0 {
		r.logger.Info().Int("armed", added).Int("disarmed", removed).Msg("live set reconciled")
	}
	return nil
}

// Prune deletes execution rows older than the retention window.
func (r *Reconciler) Prune(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)
	count, err := r.store.PruneExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	if count > 0 {
		r.logger.Info().Int64("pruned", count).Time("cutoff", cutoff).Msg("old executions pruned")
	}
	return nil
}

// ReclaimOrphans finalizes execution rows left in running by a previous
// process: each becomes failed/worker_crashed, the parent job's failure
// counter advances and its next_execution is recomputed if still active.
func (r *Reconciler) ReclaimOrphans(ctx context.Context) error {
	ids, err := r.store.ListOrphanedRunning(ctx, r.d.StartedAt())
	if err != nil {
		return fmt.Errorf("list orphaned running: %w", err)
	}

	reason := model.ErrorReasonWorkerCrashed
	for _, execID := range ids {
		err := r.store.RecordExecutionEnd(ctx, execID, core.ExecutionResult{
			Status:       model.ExecutionStatusFailed,
			ErrorMessage: &reason,
		})
		if err != nil {
			r.logger.Error().Err(err).Int64("execution_id", execID).Msg("reclaim orphaned execution failed")
		}
	}
	if len(ids) > 0 {
		r.logger.Warn().Int("count", len(ids)).Msg("orphaned running executions reclaimed")
	}
	return nil
}

// emitHealth publishes the observability snapshot: uptime, armed count,
// memory in use and reconciliation lag.
func (r *Reconciler) emitHealth() {
	stats := r.d.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(stats.StartedAt)
	var lag time.Duration
	if !stats.LastReconcile.IsZero() {
		lag = time.Since(stats.LastReconcile)
	}

	metrics.SetUptime(uptime)
	metrics.SetHeapInUse(mem.HeapInuse)
	metrics.SetReconcileLag(lag)

	r.logger.Debug().
		Dur("uptime", uptime).
		Int("armed_jobs", stats.ArmedJobs).
		Int("in_flight", stats.InFlight).
		Uint64("heap_in_use", mem.HeapInuse).
		Dur("reconcile_lag", lag).
		Msg("health snapshot")
}
