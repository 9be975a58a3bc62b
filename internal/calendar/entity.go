package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/calsync/internal/payload"
	"gitea.jw6.us/james/calsync/internal/store"
)

// EventEntity is the change tracking contract of event records.
type EventEntity struct {
	store *store.Store
}

// NewEntity builds the event entity.
func NewEntity(st *store.Store) *EventEntity {
	return &EventEntity{store: st}
}

func (e *EventEntity) Kind() string { return EventKind }

func (e *EventEntity) ObservedFields() []string {
	return []string{
		FieldName, FieldDescription, FieldStart, FieldStop, FieldAllDay,
		FieldLocation, FieldPartners, FieldCategories,
	}
}

// LinkScope includes synthetic occurrence ids.
func (e *EventEntity) LinkScope(rec *store.Record) store.LinkScope {
	return store.LinkScope{Ref: rec.Ref, IncludeSynthetic: true}
}

// PrepareRemoteTemplate renders the PATCH body for changed fields. rec
// already holds the new values. Events have no child records, so isChild
// does not change the result.
func (e *EventEntity) PrepareRemoteTemplate(ctx context.Context, rec *store.Record, changed store.Fields, isChild bool) (payload.Template, error) {
	out := payload.Template{}
	if cats := rec.Fields.Strings(FieldCategories); len(cats) > 0 {
		out["Categories"] = anyList(cats)
	}
	fromRemote := rec.Fields.Bool(FieldFromRemote)

	if changed.Has(FieldName) {
		out["Subject"] = changed.String(FieldName)
	}
	if changed.Has(FieldDescription) {
		content := changed.String(FieldDescription)
		if !fromRemote {
			partners := rec.Fields.Strings(FieldPartners)
			if changed.Has(FieldPartners) {
				partners = changed.Strings(FieldPartners)
			}
			attendees, err := e.attendees(ctx, partners)
			if err != nil {
				return nil, err
			}
			content = FormBody(content, attendees)
		}
		out["Body"] = map[string]any{"Content": content}
	}

	allDay := (changed.Has(FieldAllDay) && changed.Bool(FieldAllDay)) || rec.Fields.Bool(FieldAllDay)
	if changed.Has(FieldStart) {
		start, err := ParseLocalTime(changed.String(FieldStart))
		if err != nil {
			return nil, fmt.Errorf("event %s start: %w", rec.Ref.ID, err)
		}
		out["Start"] = dateTimePayload(start)
	}
	if changed.Has(FieldStop) {
		stop, err := ParseLocalTime(changed.String(FieldStop))
		if err != nil {
			return nil, fmt.Errorf("event %s stop: %w", rec.Ref.ID, err)
		}
		if allDay {
			stop = stop.Add(time.Second)
		}
		out["End"] = dateTimePayload(stop)
	}
	if changed.Has(FieldAllDay) {
		isAllDay := changed.Bool(FieldAllDay)
		out["IsAllDay"] = isAllDay
		if _, ok := out["Start"]; !ok {
			start, err := ParseLocalTime(rec.Fields.String(FieldStart))
			if err != nil {
				return nil, fmt.Errorf("event %s start: %w", rec.Ref.ID, err)
			}
			if isAllDay {
				start = midnight(start)
			}
			out["Start"] = dateTimePayload(start)
		}
		if _, ok := out["End"]; !ok {
			stop, err := ParseLocalTime(rec.Fields.String(FieldStop))
			if err != nil {
				return nil, fmt.Errorf("event %s stop: %w", rec.Ref.ID, err)
			}
			if isAllDay {
				stop = midnight(stop).Add(time.Second)
			} else {
				stop = stop.AddDate(0, 0, 1)
			}
			out["End"] = dateTimePayload(stop)
		}
	}
	if changed.Has(FieldLocation) {
		out["Location"] = map[string]any{"DisplayName": changed.String(FieldLocation)}
	}
	if changed.Has(FieldPartners) {
		attendees, err := e.attendees(ctx, changed.Strings(FieldPartners))
		if err != nil {
			return nil, err
		}
		if fromRemote {
			list := make([]any, 0, len(attendees))
			for _, a := range attendees {
				list = append(list, recipientPayload(a))
			}
			out["Attendees"] = list
		} else if !changed.Has(FieldDescription) {
			out["Body"] = map[string]any{"Content": FormBody(rec.Fields.String(FieldDescription), attendees)}
		}
	}
	return out, nil
}

// attendees loads partner records. Missing partners are skipped.
func (e *EventEntity) attendees(ctx context.Context, partnerIDs []string) ([]Attendee, error) {
	out := make([]Attendee, 0, len(partnerIDs))
	for _, id := range partnerIDs {
		p, err := e.store.Records.Get(ctx, store.RecordRef{Kind: PartnerKind, ID: id})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load partner %s: %w", id, err)
		}
		out = append(out, Attendee{Name: p.Fields.String(FieldPartnerName), Email: p.Fields.String(FieldPartnerEmail)})
	}
	return out, nil
}

// ParseLocalTime reads a stored start or stop value. RFC 3339 input is
// accepted as well and converted to UTC.
func ParseLocalTime(s string) (time.Time, error) {
	if t, err := time.Parse(LocalTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t.UTC(), nil
}

// FormatLocalTime renders t the way event records store it.
func FormatLocalTime(t time.Time) string {
	return t.UTC().Format(LocalTimeLayout)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
