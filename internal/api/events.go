package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/calsync/internal/calendar"
	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/store"
)

type createEventRequest struct {
	Name        string   `json:"name" validate:"required,max=512"`
	Description string   `json:"description"`
	Location    string   `json:"location" validate:"max=512"`
	Start       string   `json:"start" validate:"required"`
	Stop        string   `json:"stop" validate:"required"`
	AllDay      bool     `json:"allday"`
	PartnerIDs  []string `json:"partner_ids" validate:"dive,required"`
}

type updateEventRequest struct {
	Name        *string   `json:"name" validate:"omitempty,min=1,max=512"`
	Description *string   `json:"description"`
	Location    *string   `json:"location" validate:"omitempty,max=512"`
	Start       *string   `json:"start"`
	Stop        *string   `json:"stop"`
	AllDay      *bool     `json:"allday"`
	PartnerIDs  *[]string `json:"partner_ids"`
}

func (req updateEventRequest) fields() store.Fields {
	out := store.Fields{}
	if req.Name != nil {
		out[calendar.FieldName] = *req.Name
	}
	if req.Description != nil {
		out[calendar.FieldDescription] = *req.Description
	}
	if req.Location != nil {
		out[calendar.FieldLocation] = *req.Location
	}
	if req.Start != nil {
		out[calendar.FieldStart] = *req.Start
	}
	if req.Stop != nil {
		out[calendar.FieldStop] = *req.Stop
	}
	if req.AllDay != nil {
		out[calendar.FieldAllDay] = *req.AllDay
	}
	if req.PartnerIDs != nil {
		out[calendar.FieldPartners] = *req.PartnerIDs
	}
	return out
}

// normalizeTimes rewrites start and stop in the stored layout and checks
// their order.
func normalizeTimes(fields store.Fields) error {
	for _, key := range []string{calendar.FieldStart, calendar.FieldStop} {
		if !fields.Has(key) {
			continue
		}
		t, err := calendar.ParseLocalTime(fields.String(key))
		if err != nil {
			return err
		}
		fields[key] = calendar.FormatLocalTime(t)
	}
	if fields.Has(calendar.FieldStart) && fields.Has(calendar.FieldStop) &&
		fields.String(calendar.FieldStop) < fields.String(calendar.FieldStart) {
		return errors.New("stop is before start")
	}
	return nil
}

// CreateEvent stores a local event and queues a remote copy for every
// connected attendee.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	partners := req.PartnerIDs
	if partners == nil {
		partners = []string{}
	}
	fields := store.Fields{
		calendar.FieldName:        req.Name,
		calendar.FieldDescription: req.Description,
		calendar.FieldLocation:    req.Location,
		calendar.FieldStart:       req.Start,
		calendar.FieldStop:        req.Stop,
		calendar.FieldAllDay:      req.AllDay,
		calendar.FieldPartners:    partners,
	}
	if err := normalizeTimes(fields); err != nil {
		httperrors.Write(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rec, err := h.calendar.CreateEvent(r.Context(), fields)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to create event")
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, map[string]any{"id": rec.Ref.ID, "fields": rec.Fields})
}

// UpdateEvent applies a partial local edit.
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var req updateEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	fields := req.fields()
	if len(fields) == 0 {
		httperrors.Write(w, r, http.StatusUnprocessableEntity, "nothing to update")
		return
	}
	if err := normalizeTimes(fields); err != nil {
		httperrors.Write(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	err := h.calendar.UpdateEvent(ctx, id, fields)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.Write(w, r, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to update event")
		return
	}
	rec, err := h.store.Records.Get(ctx, store.RecordRef{Kind: calendar.EventKind, ID: id})
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to reload event")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"id": rec.Ref.ID, "fields": rec.Fields})
}

// DeleteEvent removes a local event; its remote copies are deleted on the
// next push.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	err := h.calendar.DeleteEvent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		httperrors.Write(w, r, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to delete event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
