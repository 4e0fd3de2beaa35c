package core

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/cronmaster/internal/model"
)

// DashboardStats summarizes a user's jobs and recent executions.
type DashboardStats struct {
	TotalJobs         int     `json:"total_jobs"`
	ActiveJobs        int     `json:"active_jobs"`
	PausedJobs        int     `json:"paused_jobs"`
	ExecutionsLast24h int     `json:"executions_last_24h"`
	SuccessRate       float64 `json:"success_rate"`
}

// StatsService computes per-user dashboard counts.
type StatsService struct {
	db DB
}

func NewStatsService(db DB) *StatsService {
	return &StatsService{db: db}
}

// Dashboard fans the count queries out in parallel.
func (s *StatsService) Dashboard(ctx context.Context, userID int64) (*DashboardStats, error) {
	var stats DashboardStats
	var succeeded, finished int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.QueryRow(gctx,
			`SELECT COUNT(*),
			        COUNT(*) FILTER (WHERE status = $2),
			        COUNT(*) FILTER (WHERE status = $3)
			   FROM jobs WHERE user_id = $1 AND status != $4`,
			userID, model.JobStatusActive, model.JobStatusPaused, model.JobStatusDeleted,
		).Scan(&stats.TotalJobs, &stats.ActiveJobs, &stats.PausedJobs)
	})
	g.Go(func() error {
		return s.db.QueryRow(gctx,
			`SELECT COUNT(*)
			   FROM job_executions e JOIN jobs j ON j.id = e.job_id
			  WHERE j.user_id = $1 AND e.executed_at > $2`,
			userID, time.Now().UTC().Add(-24*time.Hour),
		).Scan(&stats.ExecutionsLast24h)
	})
	g.Go(func() error {
		return s.db.QueryRow(gctx,
			`SELECT COUNT(*) FILTER (WHERE e.status = $2),
			        COUNT(*) FILTER (WHERE e.status != $3)
			   FROM job_executions e JOIN jobs j ON j.id = e.job_id
			  WHERE j.user_id = $1`,
			userID, model.ExecutionStatusSuccess, model.ExecutionStatusRunning,
		).Scan(&succeeded, &finished)
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}

	if finished > 0 {
		stats.SuccessRate = float64(succeeded) / float64(finished)
	}
	return &stats, nil
}
