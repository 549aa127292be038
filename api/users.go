package api

import (
	"net/http"

	"github.com/billbatista/acasinha-purchases/middleware"
	"github.com/billbatista/acasinha-purchases/session"
	"github.com/billbatista/acasinha-purchases/user"
)

type registerRequest struct {
	Name     string `json:"name" validate:"max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	registered, err := h.users.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.startSession(w, r, registered) {
		return
	}

	h.record(r, "user.registered", map[string]string{
		"user_id": registered.ID.String(),
		"email":   registered.Email,
	})
	JSON(w, http.StatusCreated, registered)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.startSession(w, r, u) {
		return
	}

	h.record(r, "user.logged_in", map[string]string{"user_id": u.ID.String()})
	JSON(w, http.StatusOK, u)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, u *user.User) bool {
	sess, err := h.sessions.Create(r.Context(), u.ID)
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	middleware.SetSessionCookie(w, sess, h.cookieSecure)
	return true
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(session.CookieName); err == nil {
		if err := h.sessions.Delete(r.Context(), cookie.Value); err != nil {
			h.logger.Warn().Err(err).Msg("deleting session")
		}
	}
	middleware.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// ListUsers lists everyone a purchase can benefit.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"data": users})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" || h.audit == nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION", "type is required", nil)
		return
	}
	events, err := h.audit.Recent(r.Context(), eventType, 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"data": events})
}
