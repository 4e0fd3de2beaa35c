package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/cronmaster/internal/cron"
	"github.com/edvin/cronmaster/internal/model"
)

// DefaultResponseBodyLimit caps stored response bodies at 10 KiB.
const DefaultResponseBodyLimit = 10240

// ExecutionService is the durable store for execution rows and the single
// place where job counters and next_execution advance after a firing.
type ExecutionService struct {
	db        DB
	bodyLimit int
}

func NewExecutionService(db DB, bodyLimit int) *ExecutionService {
	if bodyLimit <= 0 {
		bodyLimit = DefaultResponseBodyLimit
	}
	return &ExecutionService{db: db, bodyLimit: bodyLimit}
}

// ExecutionResult is the finalized outcome of one invocation.
type ExecutionResult struct {
	Status          string
	DurationMs      int64
	ResponseCode    *int
	ResponseBody    *string
	ResponseHeaders map[string]string
	ErrorMessage    *string
}

const executionColumns = `id, job_id, executed_at, status, duration_ms, response_code, response_body, response_headers, error_message, triggered_by`

func scanExecution(row interface{ Scan(dest ...any) error }) (model.JobExecution, error) {
	var e model.JobExecution
	err := row.Scan(&e.ID, &e.JobID, &e.ExecutedAt, &e.Status, &e.DurationMs,
		&e.ResponseCode, &e.ResponseBody, &e.ResponseHeaders, &e.ErrorMessage, &e.TriggeredBy)
	if err != nil {
		return e, err
	}
	return e, nil
}

// RecordStart inserts a running execution row and returns its id.
func (s *ExecutionService) RecordStart(ctx context.Context, jobID int64, triggeredBy string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO job_executions (job_id, executed_at, status, triggered_by)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		jobID, time.Now().UTC(), model.ExecutionStatusRunning, triggeredBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record execution start for job %d: %w", jobID, translateDBError(err))
	}
	return id, nil
}

// RecordEnd finalizes a running execution row and, in the same statement,
// bumps the parent job's counters, sets last_execution and advances
// next_execution — the latter only while the job is still active, so a pause
// or delete that landed mid-flight keeps its null next_execution. An update
// that changed the schedule between the snapshot read and the finalize write
// is converged afterwards, so next_execution never sticks to a stale
// (cron, timezone) pair.
func (s *ExecutionService) RecordEnd(ctx context.Context, execID int64, result ExecutionResult) error {
	var jobID int64
	var cronExpr, timezone, jobStatus string
	err := s.db.QueryRow(ctx,
		`SELECT j.id, j.cron_expression, j.timezone, j.status
		   FROM job_executions e JOIN jobs j ON j.id = e.job_id
		  WHERE e.id = $1`, execID,
	).Scan(&jobID, &cronExpr, &timezone, &jobStatus)
	if err != nil {
		return fmt.Errorf("load job for execution %d: %w", execID, translateDBError(err))
	}

	var next *time.Time
	if jobStatus == model.JobStatusActive {
		n, err := nextFiring(cronExpr, timezone)
		if err != nil {
			return fmt.Errorf("execution %d: %w", execID, err)
		}
		next = n
	}

	body := result.ResponseBody
	if body != nil && len(*body) > s.bodyLimit {
		truncated := (*body)[:s.bodyLimit]
		body = &truncated
	}

	// One statement: finalizing the row and updating the job row commit or
	// fail together.
	tag, err := s.db.Exec(ctx,
		`WITH finalized AS (
		    UPDATE job_executions
		       SET status = $2, duration_ms = $3, response_code = $4,
		           response_body = $5, response_headers = $6, error_message = $7
		     WHERE id = $1 AND status = $8
		     RETURNING job_id
		 )
		 UPDATE jobs j
		    SET success_count = j.success_count + (CASE WHEN $2 = $9 THEN 1 ELSE 0 END),
		        failure_count = j.failure_count + (CASE WHEN $2 = $9 THEN 0 ELSE 1 END),
		        last_execution = now(),
		        next_execution = CASE WHEN j.status = $10 THEN $11 ELSE NULL END,
		        updated_at = now()
		   FROM finalized f
		  WHERE j.id = f.job_id`,
		execID, result.Status, result.DurationMs, result.ResponseCode, body,
		result.ResponseHeaders, result.ErrorMessage,
		model.ExecutionStatusRunning, model.ExecutionStatusSuccess,
		model.JobStatusActive, next,
	)
	if err != nil {
		return fmt.Errorf("record execution end %d: %w", execID, translateDBError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record execution end %d: %w", execID, ErrNotFound)
	}

	return s.convergeNext(ctx, jobID, cronExpr, timezone)
}

// convergeNext re-reads the job after the finalize write and repairs
// next_execution if a concurrent update changed the schedule (or resumed the
// job) between the snapshot read and the write above. The guarded UPDATE
// only lands while the job still carries the pair it was computed from, so a
// yet-newer update always wins.
func (s *ExecutionService) convergeNext(ctx context.Context, jobID int64, snapshotCron, snapshotTZ string) error {
	var curCron, curTZ, curStatus string
	var curNext *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT cron_expression, timezone, status, next_execution FROM jobs WHERE id = $1`,
		jobID,
	).Scan(&curCron, &curTZ, &curStatus, &curNext)
	if err != nil {
		return fmt.Errorf("reload job %d after finalize: %w", jobID, translateDBError(err))
	}

	if curStatus != model.JobStatusActive {
		return nil
	}
	if curCron == snapshotCron && curTZ == snapshotTZ && curNext != nil {
		return nil
	}

	next, err := nextFiring(curCron, curTZ)
	if err != nil {
		return fmt.Errorf("job %d: %w", jobID, err)
	}
	_, err = s.db.Exec(ctx,
		`UPDATE jobs SET next_execution = $2, updated_at = now()
		  WHERE id = $1 AND status = $3 AND cron_expression = $4 AND timezone = $5`,
		jobID, next, model.JobStatusActive, curCron, curTZ,
	)
	if err != nil {
		return fmt.Errorf("converge next_execution for job %d: %w", jobID, translateDBError(err))
	}
	return nil
}

// nextFiring computes the next firing instant for a stored (cron, timezone)
// pair. Both were accepted by the evaluator at write time, so a failure here
// is an invariant breach, not bad input.
func nextFiring(cronExpr, timezone string) (*time.Time, error) {
	schedule, err := cron.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse stored cron: %w", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load stored timezone: %w", err)
	}
	if n := schedule.Next(time.Now().UTC(), loc); !n.IsZero() {
		return &n, nil
	}
	return nil, nil
}

// Get returns one execution, ownership checked through the parent job.
func (s *ExecutionService) Get(ctx context.Context, userID, execID int64) (*model.JobExecution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT e.id, e.job_id, e.executed_at, e.status, e.duration_ms, e.response_code, e.response_body, e.response_headers, e.error_message, e.triggered_by
		   FROM job_executions e JOIN jobs j ON j.id = e.job_id
		  WHERE e.id = $1 AND j.user_id = $2`, execID, userID,
	)
	e, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", execID, translateDBError(err))
	}
	return &e, nil
}

// ListByJob returns one page of a job's executions, newest first, plus the
// unpaged total. Ownership is checked through the parent job.
func (s *ExecutionService) ListByJob(ctx context.Context, userID, jobID int64, page, limit int) ([]model.JobExecution, int, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if page < 1 {
		page = 1
	}

	var owned bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND user_id = $2)`,
		jobID, userID,
	).Scan(&owned); err != nil {
		return nil, 0, fmt.Errorf("check job %d ownership: %w", jobID, err)
	}
	if !owned {
		return nil, 0, fmt.Errorf("list executions for job %d: %w", jobID, ErrNotFound)
	}

	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_executions WHERE job_id = $1`, jobID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM job_executions
		  WHERE job_id = $1
		  ORDER BY executed_at DESC, id DESC
		  LIMIT $2 OFFSET $3`,
		jobID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []model.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return executions, total, nil
}

// ListOrphanedRunning returns executions stuck in running that began before
// the given process start. Called once at startup.
func (s *ExecutionService) ListOrphanedRunning(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM job_executions WHERE status = $1 AND executed_at < $2 ORDER BY id`,
		model.ExecutionStatusRunning, startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned executions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned executions: %w", err)
	}
	return ids, nil
}

// Prune deletes execution rows older than the cutoff and reports how many.
func (s *ExecutionService) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM job_executions WHERE executed_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return tag.RowsAffected(), nil
}
