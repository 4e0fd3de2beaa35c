package handler

import (
	"net/http"

	"github.com/edvin/cronmaster/internal/api/middleware"
	"github.com/edvin/cronmaster/internal/api/request"
	"github.com/edvin/cronmaster/internal/api/response"
	"github.com/edvin/cronmaster/internal/core"
)

// Auth handles registration, login and logout.
type Auth struct {
	users *core.UserService
}

func NewAuth(services *core.Services) *Auth {
	return &Auth{users: services.User}
}

func (h *Auth) Register(w http.ResponseWriter, r *http.Request) {
	var req request.Register
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.users.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, user)
}

func (h *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req request.Login
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		response.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	response.WriteJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (h *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionToken(r); token != "" {
		if err := h.users.Logout(r.Context(), token); err != nil {
			response.WriteServiceError(w, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Auth) Me(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, middleware.UserFrom(r.Context()))
}
