// Command seeds populates a development database with a demo user and a few
// jobs so the API and scheduler have something to chew on locally.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edvin/cronmaster/internal/core"
)

const (
	devUserEmail    = "dev@cronmaster.local"
	devUserPassword = "devpassword"
)

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	fmt.Println("Seeding development database...")

	services := core.NewServices(pool, 0)

	user, err := services.User.Register(ctx, "Dev User", devUserEmail, devUserPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create dev user (already seeded?): %v\n", err)
		os.Exit(1)
	}

	jobs := []core.JobSpec{
		{
			Name:           "heartbeat",
			URL:            "https://example.com/healthz",
			Method:         "GET",
			CronExpression: "*/5 * * * *",
			Timezone:       "UTC",
		},
		{
			Name:           "nightly report",
			URL:            "https://example.com/reports/run",
			Method:         "POST",
			CronExpression: "0 2 * * *",
			Timezone:       "Europe/Oslo",
			Headers:        map[string]string{"X-Api-Key": "dev-key"},
			Body:           ptr(`{"report": "daily"}`),
		},
		{
			Name:           "weekday wakeup",
			URL:            "https://example.com/wake",
			Method:         "GET",
			CronExpression: "0 9 * * 1-5",
			Timezone:       "America/New_York",
		},
	}
	for _, spec := range jobs {
		job, err := services.Job.Create(ctx, user.ID, spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create job %q: %v\n", spec.Name, err)
			os.Exit(1)
		}
		fmt.Printf("  job %d: %s (%s)\n", job.ID, job.Name, job.CronExpression)
	}

	fmt.Printf("Done. Log in as %s / %s\n", devUserEmail, devUserPassword)
}

func ptr(s string) *string { return &s }
