// Package dispatcher keeps the set of active jobs armed, fires them at their
// scheduled instants, runs the outbound request through the invoker and
// persists outcomes through the repository. The repository stays
// authoritative; the live set here is a best-effort mirror converged by the
// reconciler.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/cronmaster/internal/core"
	"github.com/edvin/cronmaster/internal/cron"
	"github.com/edvin/cronmaster/internal/invoker"
	"github.com/edvin/cronmaster/internal/metrics"
	"github.com/edvin/cronmaster/internal/model"
)

// Store is the slice of the repository the dispatcher needs. *core.Services
// satisfies it.
type Store interface {
	GetJob(ctx context.Context, userID, id int64) (*model.Job, error)
	GetJobByID(ctx context.Context, id int64) (*model.Job, error)
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
	RecordExecutionStart(ctx context.Context, jobID int64, triggeredBy string) (int64, error)
	RecordExecutionEnd(ctx context.Context, execID int64, result core.ExecutionResult) error
	ListOrphanedRunning(ctx context.Context, startedBefore time.Time) ([]int64, error)
	PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error)
}

// HTTPInvoker abstracts the invoker for tests.
type HTTPInvoker interface {
	Do(ctx context.Context, req invoker.Request) invoker.Outcome
}

// finalizeBackoff spaces the bounded retries of a finalization that hit a
// serialization conflict. The HTTP call is never retried, only the write.
var finalizeBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond}

const maxDrainDeadline = 30 * time.Second

// Config tunes a Dispatcher.
type Config struct {
	// MaxConcurrentFirings caps global firing parallelism; 0 means
	// unbounded. When the cap and its FIFO wait queue are exhausted, new
	// firings are dropped and logged as missed.
	MaxConcurrentFirings int
}

// Stats is the control-surface snapshot.
type Stats struct {
	ArmedJobs     int       `json:"armed_jobs"`
	InFlight      int       `json:"in_flight"`
	StartedAt     time.Time `json:"started_at"`
	LastReconcile time.Time `json:"last_reconcile,omitempty"`
	MissedFirings int64     `json:"missed_firings"`
	TotalFirings  int64     `json:"total_firings"`
}

type armedJob struct {
	id     int64
	cancel context.CancelFunc
}

// Dispatcher owns the live set. All mutations of the armed map go through
// its mutex; firings run in their own goroutines and never hold it.
type Dispatcher struct {
	store  Store
	invoke HTTPInvoker
	logger zerolog.Logger
	cfg    Config

	// sem, when non-nil, is the global firing semaphore. Capacity is the
	// configured cap; waiters beyond twice the cap are dropped.
	sem chan struct{}

	mu            sync.Mutex
	armed         map[int64]*armedJob
	shuttingDown  bool
	inFlight      int
	queuedFirings int
	missedFirings int64
	totalFirings  int64
	lastReconcile time.Time

	// invokeCtx outlives individual arm contexts so that pausing or
	// re-arming a job never cancels its in-flight invocation; only the
	// shutdown hard stop does.
	invokeCtx    context.Context
	cancelInvoke context.CancelFunc

	wg         sync.WaitGroup // arm loops
	inflightWG sync.WaitGroup // firings, scheduled and manual

	startedAt time.Time
}

func New(store Store, invoke HTTPInvoker, logger zerolog.Logger, cfg Config) *Dispatcher {
	invokeCtx, cancelInvoke := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:        store,
		invoke:       invoke,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		cfg:          cfg,
		armed:        make(map[int64]*armedJob),
		invokeCtx:    invokeCtx,
		cancelInvoke: cancelInvoke,
		startedAt:    time.Now().UTC(),
	}
	if cfg.MaxConcurrentFirings > 0 {
		d.sem = make(chan struct{}, cfg.MaxConcurrentFirings)
	}
	return d
}

// StartedAt reports the process-level scheduler start instant. The orphan
// reclaim uses it as the cutoff for stale running rows.
func (d *Dispatcher) StartedAt() time.Time {
	return d.startedAt
}

// AddJob loads the job and arms it if active. An already-armed job is
// disarmed and re-armed, which is how updates pick up a new schedule.
// Unknown or non-active jobs only disarm. Idempotent.
func (d *Dispatcher) AddJob(ctx context.Context, id int64) error {
	job, err := d.store.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			d.RemoveJob(id)
			return nil
		}
		return err
	}
	if job.Status != model.JobStatusActive {
		d.RemoveJob(id)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuttingDown {
		return nil
	}
	if existing, ok := d.armed[id]; ok {
		existing.cancel()
	}

	armCtx, cancel := context.WithCancel(context.Background())
	d.armed[id] = &armedJob{id: id, cancel: cancel}
	metrics.SetArmedJobs(len(d.armed))

	d.wg.Add(1)
	go d.runJob(armCtx, job)
	return nil
}

// RemoveJob disarms the job and drops its handle. In-flight invocations are
// left to finish and finalize. Idempotent.
func (d *Dispatcher) RemoveJob(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handle, ok := d.armed[id]; ok {
		handle.cancel()
		delete(d.armed, id)
		metrics.SetArmedJobs(len(d.armed))
	}
}

// Trigger runs one manual firing immediately. It is not serialized against
// the job's scheduled firings: the user asked for it explicitly, so it may
// overlap one. The ownership check happens before anything runs.
func (d *Dispatcher) Trigger(ctx context.Context, userID, id int64) error {
	job, err := d.store.GetJob(ctx, userID, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return errors.New("scheduler is shutting down")
	}
	d.inflightWG.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflightWG.Done()
		d.fire(job, model.TriggeredByManual)
	}()
	return nil
}

// ArmedIDs snapshots the live set for reconciliation.
func (d *Dispatcher) ArmedIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.armed))
	for id := range d.armed {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports the control-surface snapshot.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		ArmedJobs:     len(d.armed),
		InFlight:      d.inFlight,
		StartedAt:     d.startedAt,
		LastReconcile: d.lastReconcile,
		MissedFirings: d.missedFirings,
		TotalFirings:  d.totalFirings,
	}
}

func (d *Dispatcher) noteReconcile(at time.Time) {
	d.mu.Lock()
	d.lastReconcile = at
	d.mu.Unlock()
}

// Shutdown stops arming new firings, waits up to deadline for in-flight
// firings to drain, then cancels the rest; cancelled invocations still
// finalize their execution rows as cancelled before this returns.
func (d *Dispatcher) Shutdown(deadline time.Duration) {
	if deadline <= 0 || deadline > maxDrainDeadline {
		deadline = maxDrainDeadline
	}

	d.mu.Lock()
	d.shuttingDown = true
	for id, handle := range d.armed {
		handle.cancel()
		delete(d.armed, id)
	}
	metrics.SetArmedJobs(0)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.inflightWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("all firings drained")
	case <-time.After(deadline):
		d.logger.Warn().Dur("deadline", deadline).Msg("drain deadline reached, cancelling in-flight invocations")
		d.cancelInvoke()
		<-done
	}
}

// runJob is the per-job arm loop: sleep until the next firing instant, fire,
// catch up if instants were missed, repeat. One loop per armed job; firings
// of a single job are serialized by construction.
func (d *Dispatcher) runJob(ctx context.Context, job *model.Job) {
	defer d.wg.Done()

	logger := d.logger.With().Int64("job_id", job.ID).Logger()

	schedule, err := cron.Parse(job.CronExpression)
	if err != nil {
		// The repository only stores evaluator-accepted expressions, so this
		// is an invariant breach: disarm the job, keep the row for inspection.
		logger.Error().Err(err).Str("cron", job.CronExpression).Msg("stored cron expression no longer parses, disarming")
		d.RemoveJob(job.ID)
		return
	}
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		logger.Error().Err(err).Str("timezone", job.Timezone).Msg("stored timezone no longer loads, disarming")
		d.RemoveJob(job.ID)
		return
	}

	for {
		target := schedule.Next(time.Now(), loc)
		if target.IsZero() {
			logger.Error().Str("cron", job.CronExpression).Msg("schedule has no future firing, disarming")
			d.RemoveJob(job.ID)
			return
		}

		timer := time.NewTimer(time.Until(target))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		d.inflightWG.Add(1)
		d.fireByID(job.ID, model.TriggeredByCron)
		d.inflightWG.Done()

		if ctx.Err() != nil {
			return
		}

		// Catch-up policy: if instants elapsed while the firing was in
		// flight, run the most recent missed one now and skip the rest.
		missed := 0
		for probe := schedule.Next(target, loc); !probe.IsZero() && !probe.After(time.Now()); probe = schedule.Next(probe, loc) {
			missed++
		}
		if missed > 0 {
			logger.Warn().Int("missed_instants", missed).Msg("firing overran schedule, catching up once")
			d.mu.Lock()
			d.missedFirings += int64(missed - 1)
			d.mu.Unlock()
			metrics.AddMissedFirings(missed - 1)

			d.inflightWG.Add(1)
			d.fireByID(job.ID, model.TriggeredByCron)
			d.inflightWG.Done()

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// fireByID reloads the job so the firing uses the current template, then
// runs the firing sequence. A job that went non-active since arming is
// skipped; the reconciler will disarm it.
func (d *Dispatcher) fireByID(id int64, triggeredBy string) {
	ctx, cancel := context.WithTimeout(d.invokeCtx, 10*time.Second)
	job, err := d.store.GetJobByID(ctx, id)
	cancel()
	if err != nil {
		d.logger.Warn().Err(err).Int64("job_id", id).Msg("job vanished before firing")
		return
	}
	if job.Status != model.JobStatusActive {
		return
	}
	d.fire(job, triggeredBy)
}

// fire runs the full firing sequence for a loaded job snapshot: record
// start, invoke, finalize. Defensive by contract: nothing escapes to the
// caller, so one job's failure cannot affect another's arming.
func (d *Dispatcher) fire(job *model.Job, triggeredBy string) {
	logger := d.logger.With().Int64("job_id", job.ID).Str("triggered_by", triggeredBy).Logger()

	if d.sem != nil {
		if !d.acquireSlot() {
			logger.Warn().Msg("firing dropped: concurrency cap and wait queue exhausted")
			d.mu.Lock()
			d.missedFirings++
			d.mu.Unlock()
			metrics.AddMissedFirings(1)
			return
		}
		defer func() { <-d.sem }()
	}

	d.mu.Lock()
	d.inFlight++
	d.totalFirings++
	d.mu.Unlock()
	metrics.IncInFlight()
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
		metrics.DecInFlight()
	}()

	startCtx, cancel := context.WithTimeout(d.invokeCtx, 10*time.Second)
	execID, err := d.store.RecordExecutionStart(startCtx, job.ID, triggeredBy)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("record execution start failed, skipping firing")
		return
	}

	outcome := d.invoke.Do(d.invokeCtx, invoker.Request{
		Method:  job.Method,
		URL:     job.URL,
		Headers: job.Headers,
		Body:    job.Body,
	})

	metrics.ObserveFiring(outcome.Status, triggeredBy, outcome.Duration)
	logger.Info().
		Int64("execution_id", execID).
		Str("status", outcome.Status).
		Dur("duration", outcome.Duration).
		Msg("firing completed")

	d.finalize(execID, core.ExecutionResult{
		Status:          outcome.Status,
		DurationMs:      outcome.Duration.Milliseconds(),
		ResponseCode:    outcome.ResponseCode,
		ResponseBody:    outcome.ResponseBody,
		ResponseHeaders: outcome.ResponseHeaders,
		ErrorMessage:    outcome.ErrorMessage,
	})
}

// finalize persists the outcome, retrying serialization conflicts a bounded
// number of times. The response data is carried through every retry. The
// write must survive shutdown cancellation, so it runs on a fresh context.
func (d *Dispatcher) finalize(execID int64, result core.ExecutionResult) {
	var err error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = d.store.RecordExecutionEnd(ctx, execID, result)
		cancel()
		if err == nil || !errors.Is(err, core.ErrConcurrency) || attempt >= len(finalizeBackoff) {
			break
		}
		time.Sleep(finalizeBackoff[attempt])
	}
	if err != nil {
		d.logger.Error().Err(err).Int64("execution_id", execID).Msg("finalize execution failed")
	}
}

// acquireSlot takes a firing slot under the global cap. When all slots are
// busy the firing queues; blocked senders wake in FIFO order. The queue
// itself is bounded at twice the cap — beyond that the firing is dropped.
func (d *Dispatcher) acquireSlot() bool {
	select {
	case d.sem <- struct{}{}:
		return true
	default:
	}

	d.mu.Lock()
	if d.queuedFirings >= 2*cap(d.sem) {
		d.mu.Unlock()
		return false
	}
	d.queuedFirings++
	d.mu.Unlock()

	d.sem <- struct{}{}

	d.mu.Lock()
	d.queuedFirings--
	d.mu.Unlock()
	return true
}
