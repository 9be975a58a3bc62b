package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calendar"
	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

type createPartnerRequest struct {
	Name  string `json:"name" validate:"required,max=256"`
	Email string `json:"email" validate:"required,email"`
}

type createUserRequest struct {
	PartnerID             string  `json:"partner_id" validate:"required"`
	Category              *string `json:"category" validate:"omitempty,max=255"`
	IgnoreWithoutCategory *bool   `json:"ignore_without_category"`
}

type settingsRequest struct {
	Category              string `json:"category" validate:"required,max=255"`
	IgnoreWithoutCategory bool   `json:"ignore_without_category"`
}

type selectCalendarRequest struct {
	CalendarID int64 `json:"calendar_id" validate:"required,gt=0"`
}

type userView struct {
	ID                    int64  `json:"id"`
	PartnerID             string `json:"partner_id"`
	Email                 string `json:"email,omitempty"`
	Connected             bool   `json:"connected"`
	AuthenticationFailure bool   `json:"authentication_failure"`
	SyncStarted           bool   `json:"sync_started"`
	Category              string `json:"category"`
	IgnoreWithoutCategory bool   `json:"ignore_without_category"`
	CalendarID            *int64 `json:"calendar_id"`
	CalendarSyncFailed    bool   `json:"calendar_sync_failed"`
	LastError             string `json:"last_error,omitempty"`
	LastSync              string `json:"last_sync,omitempty"`
	LoginURL              string `json:"login_url"`
}

type calendarView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

func (h *Handler) view(user *store.RemoteUser) userView {
	return userView{
		ID:                    user.ID,
		PartnerID:             user.PartnerID,
		Email:                 user.Email,
		Connected:             user.Tokens.RefreshToken != "",
		AuthenticationFailure: user.AuthenticationFailure,
		SyncStarted:           user.SyncStarted,
		Category:              user.Category,
		IgnoreWithoutCategory: user.IgnoreWithoutCategory,
		CalendarID:            user.CalendarID,
		CalendarSyncFailed:    user.CalendarSyncFailed,
		LastError:             user.LastError,
		LastSync:              user.LastSync,
		LoginURL:              strings.TrimRight(h.cfg.BaseURL, "/") + "/auth/login?user=" + url.QueryEscape(strconv.FormatInt(user.ID, 10)),
	}
}

// CreatePartner stores a local identity events can be shared with.
func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req createPartnerRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.store.Records.Create(r.Context(), store.Record{
		Ref:    store.RecordRef{Kind: calendar.PartnerKind},
		Fields: store.Fields{calendar.FieldPartnerName: req.Name, calendar.FieldPartnerEmail: req.Email},
	})
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to create partner")
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, map[string]string{"id": rec.Ref.ID, "name": req.Name, "email": req.Email})
}

// CreateUser registers a remote user for a partner. The returned login URL
// starts the OAuth connect flow.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.store.Records.Get(ctx, store.RecordRef{Kind: calendar.PartnerKind, ID: req.PartnerID}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.Write(w, r, http.StatusUnprocessableEntity, "unknown partner")
			return
		}
		httperrors.InternalError(w, r, err, "failed to load partner")
		return
	}

	user := store.RemoteUser{
		PartnerID:             req.PartnerID,
		Category:              h.cfg.Sync.DefaultCategory,
		IgnoreWithoutCategory: true,
	}
	if req.Category != nil {
		user.Category = strings.TrimSpace(*req.Category)
	}
	if req.IgnoreWithoutCategory != nil {
		user.IgnoreWithoutCategory = *req.IgnoreWithoutCategory
	}
	created, err := h.store.Users.Create(ctx, user)
	if errors.Is(err, store.ErrConflict) {
		httperrors.Write(w, r, http.StatusConflict, "partner already has a remote user")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to create remote user")
		return
	}
	httperrors.LogInfo(r, "created remote user "+strconv.FormatInt(created.ID, 10)+" for partner "+created.PartnerID)
	httperrors.WriteJSON(w, http.StatusCreated, h.view(created))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	httperrors.WriteJSON(w, http.StatusOK, h.view(user))
}

// DeleteUser removes the remote user with everything it owns.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := h.calendar.RemoveUser(r.Context(), user); err != nil {
		httperrors.InternalError(w, r, err, "failed to delete remote user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.UserFromContext(ctx)
	var req settingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.Users.UpdateSettings(ctx, user.ID, strings.TrimSpace(req.Category), req.IgnoreWithoutCategory); err != nil {
		httperrors.InternalError(w, r, err, "failed to update settings")
		return
	}
	h.respondUser(w, r, user.ID)
}

// ReloadCalendars replaces the user's calendar options with the remote
// calendars and lists them.
func (h *Handler) ReloadCalendars(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.UserFromContext(ctx)
	if err := h.calendar.ReloadOptions(ctx, user); err != nil {
		httperrors.LogError(r, "reload calendar options", err)
		httperrors.Write(w, r, http.StatusBadGateway, "failed to read remote calendars")
		return
	}
	cals, err := h.store.Calendars.ListByUser(ctx, user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list calendars")
		return
	}
	out := make([]calendarView, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarView{ID: c.ID, Name: c.Name, Selected: user.CalendarID != nil && *user.CalendarID == c.ID})
	}
	httperrors.WriteJSON(w, http.StatusOK, out)
}

// SelectCalendar picks one of the user's calendar options for sync.
func (h *Handler) SelectCalendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.UserFromContext(ctx)
	var req selectCalendarRequest
	if !h.decode(w, r, &req) {
		return
	}
	cal, err := h.store.Calendars.GetByID(ctx, req.CalendarID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cal.UserID != user.ID) {
		httperrors.Write(w, r, http.StatusUnprocessableEntity, "unknown calendar")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load calendar")
		return
	}
	if err := h.store.Users.SetCalendar(ctx, user.ID, &cal.ID); err != nil {
		httperrors.InternalError(w, r, err, "failed to select calendar")
		return
	}
	h.respondUser(w, r, user.ID)
}

// StartSync validates the setup and starts synchronisation.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	res, err := h.syncer.Start(r.Context(), user.ID)
	var verr *calendar.ValidationError
	if errors.As(err, &verr) {
		httperrors.WriteDetail(w, r, http.StatusUnprocessableEntity, verr.Title, verr.Detail)
		return
	}
	h.respondSync(w, r, res, err)
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := h.syncer.Stop(r.Context(), user.ID); err != nil {
		httperrors.InternalError(w, r, err, "failed to stop sync")
		return
	}
	h.respondUser(w, r, user.ID)
}

// SyncNow runs a full sync cycle for the user.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	res, err := h.syncer.SyncNow(r.Context(), user.ID)
	h.respondSync(w, r, res, err)
}

// respondSync always answers 200: the status field carries the outcome.
func (h *Handler) respondSync(w http.ResponseWriter, r *http.Request, res syncer.Result, err error) {
	if err != nil {
		httperrors.LogError(r, "sync failed", err)
	}
	httperrors.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) respondUser(w http.ResponseWriter, r *http.Request, id int64) {
	user, err := h.store.Users.GetByID(r.Context(), id)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to reload remote user")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, h.view(user))
}
