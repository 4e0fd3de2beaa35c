package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/cronmaster/internal/api/middleware"
	"github.com/edvin/cronmaster/internal/api/request"
	"github.com/edvin/cronmaster/internal/api/response"
	"github.com/edvin/cronmaster/internal/core"
)

// Execution handles the /executions routes.
type Execution struct {
	executions *core.ExecutionService
}

func NewExecution(services *core.Services) *Execution {
	return &Execution{executions: services.Execution}
}

// Get returns one execution row; ownership is checked through the parent job.
func (h *Execution) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id, err := request.ParseID(chi.URLParam(r, "executionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	execution, err := h.executions.Get(r.Context(), user.ID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, execution)
}
