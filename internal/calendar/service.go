package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gitea.jw6.us/james/calsync/internal/changes"
	"gitea.jw6.us/james/calsync/internal/links"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/store"
)

var (
	// ErrNoCalendar is returned when the user has not picked a calendar.
	ErrNoCalendar = errors.New("no calendar selected")
	// ErrCalendarGone is returned when the selected calendar no longer
	// exists remotely.
	ErrCalendarGone = errors.New("calendar was removed remotely")
)

// ValidationError explains why sync cannot start for a user.
type ValidationError struct {
	Title  string
	Detail string
}

func (e *ValidationError) Error() string { return e.Title + ": " + e.Detail }

// Service runs calendar sync and the local event operations that feed it.
type Service struct {
	store   *store.Store
	clients push.Clients
	tracker *changes.Tracker
	links   *links.Manager
	now     func() time.Time
}

// NewService builds a Service.
func NewService(st *store.Store, clients push.Clients, tracker *changes.Tracker, lm *links.Manager) *Service {
	return &Service{
		store:   st,
		clients: clients,
		tracker: tracker,
		links:   lm,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for sync windows.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterHooks wires the event specific push hooks into queue.
func (s *Service) RegisterHooks(queue *push.Queue) {
	queue.OnCreated(EventKind, s.storeICalUID)
}

// storeICalUID keeps the iCalUId of a created remote copy on records that
// originated remotely.
func (s *Service) storeICalUID(ctx context.Context, link *store.RecordLink, body map[string]any) error {
	uid, _ := body["iCalUId"].(string)
	if uid == "" {
		return nil
	}
	rec, err := s.store.Records.Get(ctx, link.Record)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Fields.Bool(FieldFromRemote) {
		return nil
	}
	return s.tracker.Write(ctx, rec.Ref, store.Fields{FieldICalUID: uid}, store.WriteChangePush, changes.WriteOptions{})
}

// CreateEvent stores a locally created event and links it for every
// attendee with a connected calendar.
func (s *Service) CreateEvent(ctx context.Context, fields store.Fields) (*store.Record, error) {
	values := fields.Clone()
	if values == nil {
		values = store.Fields{}
	}
	values[FieldFromRemote] = false
	if !values.Has(FieldState) {
		values[FieldState] = "open"
	}
	rec, err := s.store.Records.Create(ctx, store.Record{
		Ref:    store.RecordRef{Kind: EventKind},
		Fields: values,
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	if err := s.createLinks(ctx, rec, nil); err != nil {
		log.Printf("[WARN] calendar: linking event %s: %v", rec.Ref.ID, err)
	}
	return rec, nil
}

// UpdateEvent applies a local edit. Added attendees get a link of their
// own; links of removed attendees are deleted.
func (s *Service) UpdateEvent(ctx context.Context, id string, values store.Fields) error {
	ref := store.RecordRef{Kind: EventKind, ID: id}
	rec, err := s.store.Records.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("load event %s: %w", id, err)
	}

	var added, removed []string
	if values.Has(FieldPartners) {
		added, removed = diffIDs(rec.Fields.Strings(FieldPartners), values.Strings(FieldPartners))
	}

	if err := s.tracker.Write(ctx, ref, values, store.WriteUser, changes.WriteOptions{}); err != nil {
		return err
	}

	var errs []error
	if len(added) > 0 {
		rec, err = s.store.Records.Get(ctx, ref)
		if err != nil {
			return fmt.Errorf("reload event %s: %w", id, err)
		}
		if err := s.createLinks(ctx, rec, added); err != nil {
			errs = append(errs, err)
		}
	}
	if len(removed) > 0 {
		if err := s.unlinkPartners(ctx, rec, removed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteEvent removes a local event together with its links.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	return s.tracker.Delete(ctx, store.RecordRef{Kind: EventKind, ID: id})
}

// createLinks creates remote copies of rec for the users behind partnerIDs,
// or behind every attendee when partnerIDs is nil. Users already linked to
// the record and users without a selected calendar are skipped.
func (s *Service) createLinks(ctx context.Context, rec *store.Record, partnerIDs []string) error {
	attendeeIDs := rec.Fields.Strings(FieldPartners)
	if partnerIDs == nil {
		partnerIDs = attendeeIDs
	}
	entity := NewEntity(s.store)
	attendees, err := entity.attendees(ctx, attendeeIDs)
	if err != nil {
		return err
	}
	event, err := localEvent(rec, attendees)
	if err != nil {
		return err
	}

	var errs []error
	for _, partnerID := range partnerIDs {
		user, err := s.store.Users.GetByPartner(ctx, partnerID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load user of partner %s: %w", partnerID, err))
			continue
		}
		if err := s.linkForUser(ctx, rec, event, user); err != nil {
			log.Printf("[ERROR] calendar: link event %s for user %d: %v", rec.Ref.ID, user.ID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) linkForUser(ctx context.Context, rec *store.Record, event Event, user *store.RemoteUser) error {
	if user.CalendarID == nil {
		return nil
	}
	if _, err := s.store.Links.GetByRecordAndUser(ctx, rec.Ref, user.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	cal, err := s.store.Calendars.GetByID(ctx, *user.CalendarID)
	if err != nil {
		return fmt.Errorf("load calendar %d: %w", *user.CalendarID, err)
	}

	if user.Category != "" {
		event.Categories = uniqueSorted(append(append([]string(nil), event.Categories...), user.Category))
	}
	event.AttendeesInBody = true
	template, err := s.tracker.WithCustomValues(ctx, EventKind, event.Template())
	if err != nil {
		return err
	}
	_, err = s.links.Create(ctx, links.CreateParams{
		UserID:       user.ID,
		Record:       rec.Ref,
		DataDomain:   EventsDataDomain,
		CreateDomain: fmt.Sprintf(EventsCreateDomain, cal.UID),
		Payload:      template,
	})
	return err
}

func (s *Service) unlinkPartners(ctx context.Context, rec *store.Record, partnerIDs []string) error {
	drop := make(map[string]bool, len(partnerIDs))
	for _, id := range partnerIDs {
		drop[id] = true
	}
	recLinks, err := s.store.Links.ListByScope(ctx, NewEntity(s.store).LinkScope(rec))
	if err != nil {
		return fmt.Errorf("list links of event %s: %w", rec.Ref.ID, err)
	}
	var errs []error
	for i := range recLinks {
		user, err := s.store.Users.GetByID(ctx, recLinks[i].UserID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !drop[user.PartnerID] {
			continue
		}
		if err := s.links.Delete(ctx, &recLinks[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// localEvent renders an event record as a remote event to create.
func localEvent(rec *store.Record, attendees []Attendee) (Event, error) {
	start, err := ParseLocalTime(rec.Fields.String(FieldStart))
	if err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", rec.Ref.ID, err)
	}
	end, err := ParseLocalTime(rec.Fields.String(FieldStop))
	if err != nil {
		return Event{}, fmt.Errorf("event %s stop: %w", rec.Ref.ID, err)
	}
	allDay := rec.Fields.Bool(FieldAllDay)
	if allDay {
		end = end.AddDate(0, 0, 1)
	}
	return Event{
		Subject:    rec.Fields.String(FieldName),
		Body:       rec.Fields.String(FieldDescription),
		Start:      start,
		End:        end,
		AllDay:     allDay,
		Location:   rec.Fields.String(FieldLocation),
		Attendees:  attendees,
		Categories: rec.Fields.Strings(FieldCategories),
	}, nil
}

// PartnersWithEmail resolves attendees to partner ids. An attendee matches
// a partner by email or through the email of the partner's remote user;
// unknown attendees get a new partner.
func (s *Service) PartnersWithEmail(ctx context.Context, attendees []Attendee) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, a := range attendees {
		if a.Email == "" {
			continue
		}
		matches, err := s.store.Records.FindByFieldFold(ctx, PartnerKind, FieldPartnerEmail, a.Email)
		if err != nil {
			return nil, fmt.Errorf("find partner %s: %w", a.Email, err)
		}
		if len(matches) > 0 {
			for _, m := range matches {
				add(m.Ref.ID)
			}
			continue
		}
		user, err := s.store.Users.GetByEmail(ctx, a.Email)
		if err == nil && user.PartnerID != "" {
			add(user.PartnerID)
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find user %s: %w", a.Email, err)
		}
		name := a.Name
		if name == "" {
			name = a.Email
		}
		p, err := s.store.Records.Create(ctx, store.Record{
			Ref:    store.RecordRef{Kind: PartnerKind},
			Fields: store.Fields{FieldPartnerName: name, FieldPartnerEmail: a.Email},
		})
		if err != nil {
			return nil, fmt.Errorf("create partner %s: %w", a.Email, err)
		}
		add(p.Ref.ID)
	}
	return out, nil
}

func diffIDs(before, after []string) (added, removed []string) {
	old := make(map[string]bool, len(before))
	for _, id := range before {
		old[id] = true
	}
	cur := make(map[string]bool, len(after))
	for _, id := range after {
		cur[id] = true
		if !old[id] {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if !cur[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func sameEmail(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
