package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/cronmaster/internal/model"
)

func TestReconciler_ConvergesLiveSet(t *testing.T) {
	store := newFakeStore(
		testJob(1, 7, model.JobStatusActive),
		testJob(2, 7, model.JobStatusActive),
		testJob(3, 7, model.JobStatusPaused),
	)
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	// Start skewed: job 3 armed although paused in the repository, job 1
	// missing although active.
	store.mu.Lock()
	store.jobs[3].Status = model.JobStatusActive
	store.mu.Unlock()
	require.NoError(t, d.AddJob(context.Background(), 3))
	store.mu.Lock()
	store.jobs[3].Status = model.JobStatusPaused
	store.mu.Unlock()

	r := NewReconciler(d, store, zerolog.Nop(), ReconcilerConfig{})
	require.NoError(t, r.Reconcile(context.Background()))

	armed := d.ArmedIDs()
	assert.ElementsMatch(t, []int64{1, 2}, armed)
	assert.False(t, d.Stats().LastReconcile.IsZero())
}

func TestReconciler_ReclaimOrphans(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	store.orphans = []int64{11, 12}
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	r := NewReconciler(d, store, zerolog.Nop(), ReconcilerConfig{})
	require.NoError(t, r.ReclaimOrphans(context.Background()))

	for _, execID := range []int64{11, 12} {
		result, ok := store.finalizedResult(execID)
		require.True(t, ok, "execution %d not reclaimed", execID)
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		require.NotNil(t, result.ErrorMessage)
		assert.Equal(t, model.ErrorReasonWorkerCrashed, *result.ErrorMessage)
		assert.Nil(t, result.ResponseCode)
	}
}

func TestReconciler_Prune(t *testing.T) {
	store := newFakeStore()
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	retention := 30 * 24 * time.Hour
	r := NewReconciler(d, store, zerolog.Nop(), ReconcilerConfig{Retention: retention})
	require.NoError(t, r.Prune(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.pruned, 1)
	wantCutoff := time.Now().UTC().Add(-retention)
	assert.WithinDuration(t, wantCutoff, store.pruned[0], 5*time.Second)
}

func TestReconciler_StartRunsInitialPass(t *testing.T) {
	store := newFakeStore(testJob(1, 7, model.JobStatusActive))
	store.orphans = []int64{5}
	d := New(store, &fakeInvoker{outcome: successOutcome()}, zerolog.Nop(), Config{})
	defer d.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReconciler(d, store, zerolog.Nop(), ReconcilerConfig{})
	require.NoError(t, r.Start(ctx))

	// Startup pass reclaimed the orphan and armed the active job.
	_, ok := store.finalizedResult(5)
	assert.True(t, ok)
	assert.Equal(t, []int64{1}, d.ArmedIDs())
}
