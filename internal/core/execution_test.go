package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/cronmaster/internal/model"
)

func executionScanFunc(e model.JobExecution) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = e.ID
		*(dest[1].(*int64)) = e.JobID
		*(dest[2].(*time.Time)) = e.ExecutedAt
		*(dest[3].(*string)) = e.Status
		*(dest[4].(*int64)) = e.DurationMs
		*(dest[5].(**int)) = e.ResponseCode
		*(dest[6].(**string)) = e.ResponseBody
		*(dest[7].(*map[string]string)) = e.ResponseHeaders
		*(dest[8].(**string)) = e.ErrorMessage
		*(dest[9].(*string)) = e.TriggeredBy
		return nil
	}
}

// ---------- RecordStart ----------

func TestExecutionService_RecordStart(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	var insertArgs []any
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { insertArgs = args.Get(2).([]any) }).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int64)) = 42
			return nil
		}})

	id, err := svc.RecordStart(ctx, 7, model.TriggeredByCron)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, int64(7), insertArgs[0])
	assert.Equal(t, model.ExecutionStatusRunning, insertArgs[2])
	assert.Equal(t, model.TriggeredByCron, insertArgs[3])
	db.AssertExpectations(t)
}

// ---------- RecordEnd ----------

// recordEndJobRow serves both job reads RecordEnd makes: the snapshot before
// the finalize (id, cron, tz, status) and the convergence check after it
// (cron, tz, status, next_execution). The shapes are told apart by the first
// scan destination.
func recordEndJobRow(cronExpr, tz, status string) *mockRow {
	next := time.Now().UTC().Add(time.Minute)
	return &mockRow{scanFunc: func(dest ...any) error {
		if id, ok := dest[0].(*int64); ok {
			*id = 1
			*(dest[1].(*string)) = cronExpr
			*(dest[2].(*string)) = tz
			*(dest[3].(*string)) = status
			return nil
		}
		*(dest[0].(*string)) = cronExpr
		*(dest[1].(*string)) = tz
		*(dest[2].(*string)) = status
		*(dest[3].(**time.Time)) = &next
		return nil
	}}
}

func TestExecutionService_RecordEnd_AdvancesNextWhileActive(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(recordEndJobRow("* * * * *", "UTC", model.JobStatusActive))

	var execArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { execArgs = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	code := 200
	body := "ok"
	err := svc.RecordEnd(ctx, 42, ExecutionResult{
		Status:       model.ExecutionStatusSuccess,
		DurationMs:   120,
		ResponseCode: &code,
		ResponseBody: &body,
	})
	require.NoError(t, err)

	// next_execution (last arg) was computed and is in the future.
	next, ok := execArgs[len(execArgs)-1].(*time.Time)
	require.True(t, ok)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
	db.AssertExpectations(t)
}

func TestExecutionService_RecordEnd_PausedJobKeepsNullNext(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(recordEndJobRow("* * * * *", "UTC", model.JobStatusPaused))

	var execArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { execArgs = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := svc.RecordEnd(ctx, 42, ExecutionResult{
		Status:     model.ExecutionStatusSuccess,
		DurationMs: 80,
	})
	require.NoError(t, err)

	next, ok := execArgs[len(execArgs)-1].(*time.Time)
	require.True(t, ok)
	assert.Nil(t, next)
	db.AssertExpectations(t)
}

func TestExecutionService_RecordEnd_TruncatesBody(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 16)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(recordEndJobRow("* * * * *", "UTC", model.JobStatusActive))

	var execArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { execArgs = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	body := strings.Repeat("x", 100)
	err := svc.RecordEnd(ctx, 42, ExecutionResult{
		Status:       model.ExecutionStatusFailed,
		ResponseBody: &body,
	})
	require.NoError(t, err)

	stored, ok := execArgs[4].(*string)
	require.True(t, ok)
	require.NotNil(t, stored)
	assert.Len(t, *stored, 16)
}

func TestExecutionService_RecordEnd_ConvergesAfterConcurrentScheduleChange(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	// Snapshot sees the old schedule; by the time the finalize lands, an
	// update has switched the job to daily at 09:00.
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int64)) = 1
			*(dest[1].(*string)) = "* * * * *"
			*(dest[2].(*string)) = "UTC"
			*(dest[3].(*string)) = model.JobStatusActive
			return nil
		}}).Once()
	staleNext := time.Now().UTC().Add(time.Minute)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*string)) = "0 9 * * *"
			*(dest[1].(*string)) = "UTC"
			*(dest[2].(*string)) = model.JobStatusActive
			*(dest[3].(**time.Time)) = &staleNext
			return nil
		}}).Once()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	var convergeArgs []any
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { convergeArgs = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	err := svc.RecordEnd(ctx, 42, ExecutionResult{Status: model.ExecutionStatusSuccess})
	require.NoError(t, err)

	// next_execution was recomputed from the new pair: a 09:00 instant, not
	// the next minute the stale expression would have produced.
	require.Len(t, convergeArgs, 5)
	next, ok := convergeArgs[1].(*time.Time)
	require.True(t, ok)
	require.NotNil(t, next)
	assert.Equal(t, 9, next.UTC().Hour())
	assert.Equal(t, 0, next.UTC().Minute())
	assert.Equal(t, "0 9 * * *", convergeArgs[3])
	db.AssertExpectations(t)
}

func TestExecutionService_RecordEnd_AlreadyFinalized(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(recordEndJobRow("* * * * *", "UTC", model.JobStatusActive))
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := svc.RecordEnd(ctx, 42, ExecutionResult{Status: model.ExecutionStatusSuccess})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionService_RecordEnd_SerializationFailure(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(recordEndJobRow("* * * * *", "UTC", model.JobStatusActive))
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "40001"})

	err := svc.RecordEnd(ctx, 42, ExecutionResult{Status: model.ExecutionStatusSuccess})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrency)
}

// ---------- Get / ListByJob ----------

func TestExecutionService_Get_ScopedByOwner(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	_, err := svc.Get(ctx, 7, 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionService_ListByJob_NotOwned(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}})

	_, _, err := svc.ListByJob(ctx, 7, 1, 1, 20)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionService_ListByJob_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}}).Once()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int)) = 1
			return nil
		}}).Once()

	code := 200
	exec := model.JobExecution{
		ID:           42,
		JobID:        1,
		ExecutedAt:   time.Now().UTC(),
		Status:       model.ExecutionStatusSuccess,
		DurationMs:   95,
		ResponseCode: &code,
		TriggeredBy:  model.TriggeredByCron,
	}
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(executionScanFunc(exec)), nil)

	executions, total, err := svc.ListByJob(ctx, 7, 1, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, executions, 1)
	assert.Equal(t, int64(42), executions[0].ID)
	db.AssertExpectations(t)
}

// ---------- Orphans / Prune ----------

func TestExecutionService_ListOrphanedRunning(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(
			func(dest ...any) error { *(dest[0].(*int64)) = 3; return nil },
			func(dest ...any) error { *(dest[0].(*int64)) = 9; return nil },
		), nil)

	ids, err := svc.ListOrphanedRunning(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, ids)
}

func TestExecutionService_Prune(t *testing.T) {
	db := &mockDB{}
	svc := NewExecutionService(db, 0)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 17"), nil)

	count, err := svc.Prune(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(17), count)
}
