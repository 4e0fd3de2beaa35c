package handler

import (
	"net/http"

	"github.com/edvin/cronmaster/internal/api/middleware"
	"github.com/edvin/cronmaster/internal/api/response"
	"github.com/edvin/cronmaster/internal/core"
)

// Stats serves the dashboard counts and the scheduler snapshot.
type Stats struct {
	stats   *core.StatsService
	control Control
}

func NewStats(services *core.Services, control Control) *Stats {
	return &Stats{stats: services.Stats, control: control}
}

func (h *Stats) Dashboard(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	stats, err := h.stats.Dashboard(r.Context(), user.ID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, stats)
}

func (h *Stats) Scheduler(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.control.Stats())
}
