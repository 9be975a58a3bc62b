// Package api serves the admin JSON API used to manage remote users and
// local events.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calendar"
	"gitea.jw6.us/james/calsync/internal/config"
	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

// Handler serves the admin API.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	calendar *calendar.Service
	syncer   *syncer.Orchestrator
	validate *validator.Validate
}

func NewHandler(cfg *config.Config, st *store.Store, cal *calendar.Service, orch *syncer.Orchestrator) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		calendar: cal,
		syncer:   orch,
		validate: validator.New(),
	}
}

// Routes mounts the API below the caller's prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Use(RequireToken(h.cfg.APIToken))

	r.Post("/partners", h.CreatePartner)

	r.Post("/users", h.CreateUser)
	r.Route("/users/{id}", func(r chi.Router) {
		r.Use(h.loadUser)
		r.Get("/", h.GetUser)
		r.Delete("/", h.DeleteUser)
		r.Put("/settings", h.UpdateSettings)
		r.Get("/calendars", h.ReloadCalendars)
		r.Put("/calendar", h.SelectCalendar)
		r.Post("/start", h.StartSync)
		r.Post("/stop", h.StopSync)
		r.Post("/sync", h.SyncNow)
	})

	r.Post("/events", h.CreateEvent)
	r.Patch("/events/{id}", h.UpdateEvent)
	r.Delete("/events/{id}", h.DeleteEvent)
}

// RequireToken rejects requests without the bearer token.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="calsync"`)
				httperrors.Write(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loadUser resolves the {id} URL parameter to a remote user.
func (h *Handler) loadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httperrors.Write(w, r, http.StatusBadRequest, "invalid user id")
			return
		}
		user, err := h.store.Users.GetByID(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			httperrors.Write(w, r, http.StatusNotFound, "user not found")
			return
		}
		if err != nil {
			httperrors.InternalError(w, r, err, "failed to load remote user")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httperrors.LogInfo(r, "request rejected: "+err.Error())
		httperrors.Write(w, r, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}
