package core

import (
	"context"
	"time"

	"github.com/edvin/cronmaster/internal/model"
)

// Services bundles the repository services for wiring in cmd.
type Services struct {
	Job       *JobService
	Execution *ExecutionService
	User      *UserService
	Stats     *StatsService
}

// NewServices constructs the service set against one database handle.
func NewServices(db DB, responseBodyLimit int) *Services {
	return &Services{
		Job:       NewJobService(db),
		Execution: NewExecutionService(db, responseBodyLimit),
		User:      NewUserService(db),
		Stats:     NewStatsService(db),
	}
}

// The delegating methods below make *Services satisfy the dispatcher's Store
// interface without the dispatcher importing individual services.

func (s *Services) GetJob(ctx context.Context, userID, id int64) (*model.Job, error) {
	return s.Job.Get(ctx, userID, id)
}

func (s *Services) GetJobByID(ctx context.Context, id int64) (*model.Job, error) {
	return s.Job.GetByID(ctx, id)
}

func (s *Services) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	return s.Job.ListActive(ctx)
}

func (s *Services) RecordExecutionStart(ctx context.Context, jobID int64, triggeredBy string) (int64, error) {
	return s.Execution.RecordStart(ctx, jobID, triggeredBy)
}

func (s *Services) RecordExecutionEnd(ctx context.Context, execID int64, result ExecutionResult) error {
	return s.Execution.RecordEnd(ctx, execID, result)
}

func (s *Services) ListOrphanedRunning(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	return s.Execution.ListOrphanedRunning(ctx, startedBefore)
}

func (s *Services) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.Execution.Prune(ctx, olderThan)
}
