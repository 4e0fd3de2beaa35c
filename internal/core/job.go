package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/edvin/cronmaster/internal/cron"
	"github.com/edvin/cronmaster/internal/model"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
	maxBodyLen        = 10000
	maxPageLimit      = 100
	defaultPageLimit  = 20
)

// JobService is the durable store for jobs. All reads and mutations except
// ListActive and GetByID are scoped by the owning user.
type JobService struct {
	db DB
}

func NewJobService(db DB) *JobService {
	return &JobService{db: db}
}

// JobSpec carries the writable fields of a job.
type JobSpec struct {
	Name           string
	URL            string
	Method         string
	CronExpression string
	Timezone       string
	Headers        map[string]string
	Body           *string
	Description    *string
}

// JobPatch is a partial update; nil fields are left unchanged.
type JobPatch struct {
	Name           *string
	URL            *string
	Method         *string
	CronExpression *string
	Timezone       *string
	Headers        map[string]string
	Body           *string
	Description    *string
	Status         *string
}

const jobColumns = `id, user_id, name, url, method, cron_expression, timezone, headers, body, description, status, success_count, failure_count, last_execution, next_execution, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Name, &j.URL, &j.Method, &j.CronExpression,
		&j.Timezone, &j.Headers, &j.Body, &j.Description, &j.Status,
		&j.SuccessCount, &j.FailureCount, &j.LastExecution, &j.NextExecution,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	return j, nil
}

// Create validates the spec, computes the first firing instant and writes the
// row. The write is all-or-nothing; an invalid spec never reaches the table.
func (s *JobService) Create(ctx context.Context, userID int64, spec JobSpec) (*model.Job, error) {
	normalized, schedule, loc, err := validateSpec(spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := schedule.Next(now, loc)
	if next.IsZero() {
		return nil, fmt.Errorf("%w: cron expression %q never fires", ErrValidation, normalized.CronExpression)
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO jobs (user_id, name, url, method, cron_expression, timezone, headers, body, description, status, next_execution, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 RETURNING `+jobColumns,
		userID, normalized.Name, normalized.URL, normalized.Method, normalized.CronExpression,
		normalized.Timezone, normalized.Headers, normalized.Body, normalized.Description,
		model.JobStatusActive, next, now,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", translateDBError(err))
	}
	return &j, nil
}

// Get returns the job iff the owner matches and it is not soft-deleted.
func (s *JobService) Get(ctx context.Context, userID, id int64) (*model.Job, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2 AND status != $3`,
		id, userID, model.JobStatusDeleted,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, translateDBError(err))
	}
	return &j, nil
}

// GetByID returns a job regardless of owner. Used by the dispatcher, which
// operates on the global active set.
func (s *JobService) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND status != $2`,
		id, model.JobStatusDeleted,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, translateDBError(err))
	}
	return &j, nil
}

// ListFilter selects and orders a user's jobs.
type ListFilter struct {
	Status string // "", active, paused
	Search string // case-insensitive substring of name or url
	SortBy string // whitelisted column, default created_at
	Page   int
	Limit  int
}

// sortColumns is the whitelist for ListFilter.SortBy. Ties always break on
// id ASC so pagination stays stable.
var sortColumns = map[string]string{
	"name":           "name",
	"status":         "status",
	"created_at":     "created_at",
	"updated_at":     "updated_at",
	"next_execution": "next_execution",
	"last_execution": "last_execution",
}

// List returns one page of the user's jobs plus the unpaged total.
func (s *JobService) List(ctx context.Context, userID int64, filter ListFilter) ([]model.Job, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	where := `WHERE user_id = $1 AND status != $2`
	args := []any{userID, model.JobStatusDeleted}
	if filter.Status != "" {
		if filter.Status != model.JobStatusActive && filter.Status != model.JobStatusPaused {
			return nil, 0, fmt.Errorf("%w: unknown status filter %q", ErrValidation, filter.Status)
		}
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(` AND (name ILIKE $%d OR url ILIKE $%d)`, len(args), len(args))
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	orderBy, ok := sortColumns[filter.SortBy]
	if !ok {
		if filter.SortBy != "" {
			return nil, 0, fmt.Errorf("%w: cannot sort by %q", ErrValidation, filter.SortBy)
		}
		orderBy = "created_at"
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY %s, id ASC LIMIT $%d OFFSET $%d`,
		jobColumns, where, orderBy, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// Update applies a partial update. A new cron expression or timezone
// recomputes next_execution from now; a status change to paused clears it, a
// change to active recomputes it.
func (s *JobService) Update(ctx context.Context, userID, id int64, patch JobPatch) (*model.Job, error) {
	existing, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	spec := JobSpec{
		Name:           existing.Name,
		URL:            existing.URL,
		Method:         existing.Method,
		CronExpression: existing.CronExpression,
		Timezone:       existing.Timezone,
		Headers:        existing.Headers,
		Body:           existing.Body,
		Description:    existing.Description,
	}
	scheduleChanged := false
	if patch.Name != nil {
		spec.Name = *patch.Name
	}
	if patch.URL != nil {
		spec.URL = *patch.URL
	}
	if patch.Method != nil {
		spec.Method = *patch.Method
	}
	if patch.CronExpression != nil && *patch.CronExpression != existing.CronExpression {
		spec.CronExpression = *patch.CronExpression
		scheduleChanged = true
	}
	if patch.Timezone != nil && *patch.Timezone != existing.Timezone {
		spec.Timezone = *patch.Timezone
		scheduleChanged = true
	}
	if patch.Headers != nil {
		spec.Headers = patch.Headers
	}
	if patch.Body != nil {
		spec.Body = patch.Body
	}
	if patch.Description != nil {
		spec.Description = patch.Description
	}

	normalized, schedule, loc, err := validateSpec(spec)
	if err != nil {
		return nil, err
	}

	status := existing.Status
	if patch.Status != nil {
		if *patch.Status != model.JobStatusActive && *patch.Status != model.JobStatusPaused {
			return nil, fmt.Errorf("%w: status must be active or paused", ErrValidation)
		}
		status = *patch.Status
	}

	now := time.Now().UTC()
	var next *time.Time
	switch {
	case status != model.JobStatusActive:
		next = nil
	case scheduleChanged || existing.Status != model.JobStatusActive || existing.NextExecution == nil:
		n := schedule.Next(now, loc)
		if n.IsZero() {
			return nil, fmt.Errorf("%w: cron expression %q never fires", ErrValidation, normalized.CronExpression)
		}
		next = &n
	default:
		next = existing.NextExecution
	}

	row := s.db.QueryRow(ctx,
		`UPDATE jobs
		    SET name = $3, url = $4, method = $5, cron_expression = $6, timezone = $7,
		        headers = $8, body = $9, description = $10, status = $11,
		        next_execution = $12, updated_at = $13
		  WHERE id = $1 AND user_id = $2 AND status != $14
		  RETURNING `+jobColumns,
		id, userID, normalized.Name, normalized.URL, normalized.Method,
		normalized.CronExpression, normalized.Timezone, normalized.Headers,
		normalized.Body, normalized.Description, status, next, now, model.JobStatusDeleted,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("update job %d: %w", id, translateDBError(err))
	}
	return &j, nil
}

// Delete soft-deletes the job. Execution history stays for audit. Deleting an
// already-deleted job is a no-op.
func (s *JobService) Delete(ctx context.Context, userID, id int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = $3, next_execution = NULL, updated_at = now()
		  WHERE id = $1 AND user_id = $2 AND status != $3`,
		id, userID, model.JobStatusDeleted,
	)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND user_id = $2)`,
			id, userID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("delete job %d: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("delete job %d: %w", id, ErrNotFound)
		}
	}
	return nil
}

// Toggle flips a job between active and paused, maintaining the
// status/next_execution coupling.
func (s *JobService) Toggle(ctx context.Context, userID, id int64) (*model.Job, error) {
	existing, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	var status string
	var next *time.Time
	if existing.Status == model.JobStatusActive {
		status = model.JobStatusPaused
	} else {
		status = model.JobStatusActive
		schedule, err := cron.Parse(existing.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("parse stored cron for job %d: %w", id, err)
		}
		loc, err := time.LoadLocation(existing.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load stored timezone for job %d: %w", id, err)
		}
		n := schedule.Next(time.Now().UTC(), loc)
		if n.IsZero() {
			return nil, fmt.Errorf("%w: cron expression %q never fires", ErrValidation, existing.CronExpression)
		}
		next = &n
	}

	row := s.db.QueryRow(ctx,
		`UPDATE jobs SET status = $3, next_execution = $4, updated_at = now()
		  WHERE id = $1 AND user_id = $2 AND status != $5
		  RETURNING `+jobColumns,
		id, userID, status, next, model.JobStatusDeleted,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("toggle job %d: %w", id, translateDBError(err))
	}
	return &j, nil
}

// ListActive returns every active job in the system, unscoped. Consumed by
// the dispatcher's reconciliation loop.
func (s *JobService) ListActive(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY id`,
		model.JobStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active jobs: %w", err)
	}
	return jobs, nil
}

// validateSpec normalizes and validates a full job spec, returning the parsed
// schedule and location so callers can compute firing instants.
func validateSpec(spec JobSpec) (JobSpec, *cron.Schedule, *time.Location, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if len(spec.Name) == 0 || len(spec.Name) > maxNameLen {
		return spec, nil, nil, fmt.Errorf("%w: name must be 1..%d characters", ErrValidation, maxNameLen)
	}
	if spec.Description != nil && len(*spec.Description) > maxDescriptionLen {
		return spec, nil, nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLen)
	}

	u, err := url.Parse(spec.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return spec, nil, nil, fmt.Errorf("%w: url must be absolute http or https", ErrValidation)
	}

	spec.Method = strings.ToUpper(spec.Method)
	if spec.Method == "" {
		spec.Method = "GET"
	}
	if !model.MethodAllowed(spec.Method) {
		return spec, nil, nil, fmt.Errorf("%w: method %q not allowed", ErrValidation, spec.Method)
	}

	if spec.Body != nil && len(*spec.Body) > maxBodyLen {
		return spec, nil, nil, fmt.Errorf("%w: body exceeds %d characters", ErrValidation, maxBodyLen)
	}
	if spec.Headers == nil {
		spec.Headers = map[string]string{}
	}
	for name := range spec.Headers {
		if strings.TrimSpace(name) == "" {
			return spec, nil, nil, fmt.Errorf("%w: empty header name", ErrValidation)
		}
	}

	schedule, err := cron.Parse(spec.CronExpression)
	if err != nil {
		return spec, nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if spec.Timezone == "" {
		spec.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(spec.Timezone)
	if err != nil {
		return spec, nil, nil, fmt.Errorf("%w: unknown timezone %q", ErrValidation, spec.Timezone)
	}

	return spec, schedule, loc, nil
}
