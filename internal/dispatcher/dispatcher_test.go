package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/cronmaster/internal/core"
	"github.com/edvin/cronmaster/internal/invoker"
	"github.com/edvin/cronmaster/internal/model"
)

// ---------- fakes ----------

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[int64]*model.Job
	nextExecID int64
	started    map[int64]string                  // exec id -> triggered_by
	finalized  map[int64]core.ExecutionResult    // exec id -> result
	orphans    []int64
	pruned     []time.Time

	// endFailures makes RecordExecutionEnd fail with ErrConcurrency this
	// many times before succeeding.
	endFailures int
}

func newFakeStore(jobs ...*model.Job) *fakeStore {
	s := &fakeStore{
		jobs:      make(map[int64]*model.Job),
		started:   make(map[int64]string),
		finalized: make(map[int64]core.ExecutionResult),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) GetJob(ctx context.Context, userID, id int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.UserID != userID || j.Status == model.JobStatusDeleted {
		return nil, fmt.Errorf("get job %d: %w", id, core.ErrNotFound)
	}
	copied := *j
	return &copied, nil
}

func (s *fakeStore) GetJobByID(ctx context.Context, id int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status == model.JobStatusDeleted {
		return nil, fmt.Errorf("get job %d: %w", id, core.ErrNotFound)
	}
	copied := *j
	return &copied, nil
}

func (s *fakeStore) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status == model.JobStatusActive {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordExecutionStart(ctx context.Context, jobID int64, triggeredBy string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecID++
	s.started[s.nextExecID] = triggeredBy
	return s.nextExecID, nil
}

func (s *fakeStore) RecordExecutionEnd(ctx context.Context, execID int64, result core.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endFailures > 0 {
		s.endFailures--
		return fmt.Errorf("finalize: %w", core.ErrConcurrency)
	}
	s.finalized[execID] = result
	return nil
}

func (s *fakeStore) ListOrphanedRunning(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	return s.orphans, nil
}

func (s *fakeStore) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, olderThan)
	return 3, nil
}

func (s *fakeStore) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

func (s *fakeStore) finalizedResult(execID int64) (core.ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.finalized[execID]
	return r, ok
}

// fakeInvoker returns a canned outcome after an optional delay, or a
// cancelled outcome when the context ends first, like the real invoker.
type fakeInvoker struct {
	delay   time.Duration
	outcome invoker.Outcome

	mu    sync.Mutex
	calls []invoker.Request
}

func (f *fakeInvoker) Do(ctx context.Context, req invoker.Request) invoker.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return invoker.Outcome{Status: model.ExecutionStatusCancelled}
		case <-time.After(f.delay):
		}
	}
	return f.outcome
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testJob(id, userID int64, status string) *model.Job {
	return &model.Job{
		ID:             id,
		UserID:         userID,
		Name:           "probe",
		URL:            "https://example.com/ping",
		Method:         "GET",
		CronExpression: "*/5 * * * *",
		Timezone:       "UTC",
		Headers:        map[string]string{},
		Status:         status,
	}
}

func successOutcome() invoker.Outcome {
	code := 200
	body := "ok"
	return invoker.Outcome{
		Status:       model.ExecutionStatusSuccess,
		ResponseCode: &code,
		ResponseBody: &body,
		Duration:     15 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ---------- live set ----------

func TestDispatcher_AddAndRemove(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 1))
	assert.Equal(t, []int64{1}, d.ArmedIDs())

	// Re-adding is idempotent: still one handle.
	require.NoError(t, d.AddJob(context.Background(), 1))
	assert.Equal(t, []int64{1}, d.ArmedIDs())

	d.RemoveJob(1)
	assert.Empty(t, d.ArmedIDs())

	// Removing an unknown job is a no-op.
	d.RemoveJob(99)
}

func TestDispatcher_AddJob_NonActiveDisarms(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 1))
	require.Equal(t, []int64{1}, d.ArmedIDs())

	store.mu.Lock()
	store.jobs[1].Status = model.JobStatusPaused
	store.mu.Unlock()

	// AddJob after an update observes the paused status and disarms.
	require.NoError(t, d.AddJob(context.Background(), 1))
	assert.Empty(t, d.ArmedIDs())
}

func TestDispatcher_AddJob_UnknownIDIsNoop(t *testing.T) {
	store := newFakeStore()
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 404))
	assert.Empty(t, d.ArmedIDs())
}

func TestDispatcher_AddJob_BadStoredCronDisarms(t *testing.T) {
	job := testJob(1, 7, model.JobStatusActive)
	job.CronExpression = "not a cron"
	store := newFakeStore(job)
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 1))
	// The arm loop detects the invariant breach and forcibly disarms.
	waitFor(t, time.Second, func() bool { return len(d.ArmedIDs()) == 0 })
}

// ---------- manual trigger ----------

func TestDispatcher_Trigger_RunsOnce(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	inv := &fakeInvoker{outcome: successOutcome()}
	d := New(store, inv, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.Trigger(context.Background(), 7, 1))

	waitFor(t, time.Second, func() bool { return store.finalizedCount() == 1 })
	assert.Equal(t, 1, inv.callCount())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, model.TriggeredByManual, store.started[1])
	result := store.finalized[1]
	assert.Equal(t, model.ExecutionStatusSuccess, result.Status)
	require.NotNil(t, result.ResponseCode)
	assert.Equal(t, 200, *result.ResponseCode)
}

func TestDispatcher_Trigger_OwnershipChecked(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	err := d.Trigger(context.Background(), 8, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 0, store.finalizedCount())
}

func TestDispatcher_Trigger_DoesNotDisturbArming(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 1))
	require.NoError(t, d.Trigger(context.Background(), 7, 1))

	waitFor(t, time.Second, func() bool { return store.finalizedCount() == 1 })
	assert.Equal(t, []int64{1}, d.ArmedIDs())
}

// ---------- finalize retry ----------

func TestDispatcher_FinalizeRetriesOnConcurrencyConflict(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	store.endFailures = 2
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.Trigger(context.Background(), 7, 1))

	// 50ms + 200ms of backoff before the third attempt succeeds.
	waitFor(t, 2*time.Second, func() bool { return store.finalizedCount() == 1 })
	result, ok := store.finalizedResult(1)
	require.True(t, ok)
	// The response data survived the retries.
	require.NotNil(t, result.ResponseBody)
	assert.Equal(t, "ok", *result.ResponseBody)
}

// ---------- shutdown ----------

func TestDispatcher_Shutdown_DrainsInFlight(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	inv := &fakeInvoker{outcome: successOutcome(), delay: 100 * time.Millisecond}
	d := New(store, inv, zerolog.Nop(), Config{})

	require.NoError(t, d.Trigger(context.Background(), 7, 1))
	waitFor(t, time.Second, func() bool { return inv.callCount() == 1 })

	d.Shutdown(5 * time.Second)

	// The in-flight firing completed normally within the drain window.
	require.Equal(t, 1, store.finalizedCount())
	result, _ := store.finalizedResult(1)
	assert.Equal(t, model.ExecutionStatusSuccess, result.Status)
}

func TestDispatcher_Shutdown_CancelsAfterDeadline(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	inv := &fakeInvoker{outcome: successOutcome(), delay: 10 * time.Second}
	d := New(store, inv, zerolog.Nop(), Config{})

	require.NoError(t, d.Trigger(context.Background(), 7, 1))
	waitFor(t, time.Second, func() bool { return inv.callCount() == 1 })

	start := time.Now()
	d.Shutdown(100 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The cancelled invocation still finalized its row.
	require.Equal(t, 1, store.finalizedCount())
	result, _ := store.finalizedResult(1)
	assert.Equal(t, model.ExecutionStatusCancelled, result.Status)
}

func TestDispatcher_Shutdown_RejectsNewWork(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})

	d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 1))
	assert.Empty(t, d.ArmedIDs())

	err := d.Trigger(context.Background(), 7, 1)
	require.Error(t, err)
}

// ---------- stats ----------

func TestDispatcher_Stats(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	require.NoError(t, d.AddJob(context.Background(), 1))
	require.NoError(t, d.Trigger(context.Background(), 7, 1))
	waitFor(t, time.Second, func() bool { return store.finalizedCount() == 1 })

	stats := d.Stats()
	assert.Equal(t, 1, stats.ArmedJobs)
	assert.Equal(t, int64(1), stats.TotalFirings)
	assert.False(t, stats.StartedAt.IsZero())
}
