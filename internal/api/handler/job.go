package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/cronmaster/internal/api/middleware"
	"github.com/edvin/cronmaster/internal/api/request"
	"github.com/edvin/cronmaster/internal/api/response"
	"github.com/edvin/cronmaster/internal/core"
	"github.com/edvin/cronmaster/internal/cron"
	"github.com/edvin/cronmaster/internal/dispatcher"
	"github.com/edvin/cronmaster/internal/model"
)

// Control is the slice of the dispatcher's control surface the API consumes.
type Control interface {
	AddJob(ctx context.Context, id int64) error
	RemoveJob(id int64)
	Trigger(ctx context.Context, userID, id int64) error
	Stats() dispatcher.Stats
}

// Job handles the /jobs routes. Every mutation goes to the repository first
// and informs the dispatcher second; the reconciler covers any lost event.
type Job struct {
	jobs       *core.JobService
	executions *core.ExecutionService
	control    Control
}

func NewJob(services *core.Services, control Control) *Job {
	return &Job{jobs: services.Job, executions: services.Execution, control: control}
}

// jobView decorates a job with the human-readable schedule description.
type jobView struct {
	model.Job
	Describe string `json:"describe"`
}

func viewOf(j model.Job) jobView {
	v := jobView{Job: j}
	if schedule, err := cron.Parse(j.CronExpression); err == nil {
		v.Describe = schedule.Describe()
	}
	return v
}

func viewsOf(jobs []model.Job) []jobView {
	views := make([]jobView, len(jobs))
	for i, j := range jobs {
		views[i] = viewOf(j)
	}
	return views
}

// List returns one page of the user's jobs with status filter, substring
// search and whitelisted ordering.
func (h *Job) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	q := request.ParseJobListQuery(r)

	jobs, total, err := h.jobs.List(r.Context(), user.ID, core.ListFilter{
		Status: q.Status,
		Search: q.Search,
		SortBy: q.SortBy,
		Page:   q.Page,
		Limit:  q.Limit,
	})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WritePaginated(w, http.StatusOK, viewsOf(jobs), total, q.Page, q.Limit)
}

// Create validates and stores a new job, then arms it.
func (h *Job) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req request.CreateJob
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Create(r.Context(), user.ID, core.JobSpec{
		Name:           req.Name,
		URL:            req.URL,
		Method:         req.Method,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Headers:        req.Headers,
		Body:           req.Body,
		Description:    req.Description,
	})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	// Arming failure is not fatal: the row is durable and the reconciler
	// arms it on its next pass.
	_ = h.control.AddJob(r.Context(), job.ID)

	response.WriteJSON(w, http.StatusCreated, viewOf(*job))
}

// Get returns one job owned by the caller.
func (h *Job) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Get(r.Context(), user.ID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, viewOf(*job))
}

// Update applies a partial update and re-arms the job so schedule changes
// take effect immediately.
func (h *Job) Update(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.UpdateJob
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Update(r.Context(), user.ID, id, core.JobPatch{
		Name:           req.Name,
		URL:            req.URL,
		Method:         req.Method,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Headers:        req.Headers,
		Body:           req.Body,
		Description:    req.Description,
		Status:         req.Status,
	})
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	h.informDispatcher(r.Context(), job)
	response.WriteJSON(w, http.StatusOK, viewOf(*job))
}

// Delete soft-deletes the job and disarms it.
func (h *Job) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.jobs.Delete(r.Context(), user.ID, id); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	h.control.RemoveJob(id)
	w.WriteHeader(http.StatusNoContent)
}

// Toggle flips active/paused and converges the live set.
func (h *Job) Toggle(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Toggle(r.Context(), user.ID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	h.informDispatcher(r.Context(), job)
	response.WriteJSON(w, http.StatusOK, viewOf(*job))
}

// Trigger runs one manual firing of the job.
func (h *Job) Trigger(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.control.Trigger(r.Context(), user.ID, id); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// ListExecutions returns one page of the job's execution log, newest first.
func (h *Job) ListExecutions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := request.ParseJobListQuery(r)
	executions, total, err := h.executions.ListByJob(r.Context(), user.ID, id, q.Page, q.Limit)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WritePaginated(w, http.StatusOK, executions, total, q.Page, q.Limit)
}

// informDispatcher converges the live set after a mutation.
func (h *Job) informDispatcher(ctx context.Context, job *model.Job) {
	if job.Status == model.JobStatusActive {
		if err := h.control.AddJob(ctx, job.ID); err != nil {
			return
		}
		return
	}
	h.control.RemoveJob(job.ID)
}
