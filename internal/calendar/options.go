package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/store"
)

const (
	meetingsWindowBack = 30
	meetingsWindowDays = 3650
)

type namedObject struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type namedList struct {
	Value []namedObject `json:"value"`
}

// RemoteCalendars lists every calendar of every calendar group of the user.
func (s *Service) RemoteCalendars(ctx context.Context, user *store.RemoteUser) ([]store.RemoteCalendar, error) {
	client := s.clients.ForUser(user)
	var groups namedList
	if err := client.GetJSON(ctx, calendarGroupsPath, &groups); err != nil {
		return nil, fmt.Errorf("list calendar groups: %w", err)
	}
	if len(groups.Value) == 0 {
		return nil, nil
	}

	reqs := make([]remote.Request, len(groups.Value))
	for i, g := range groups.Value {
		reqs[i] = remote.Request{Method: http.MethodGet, Path: fmt.Sprintf(calendarGroupCalendars, g.ID)}
	}
	responses, err := client.Batch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var out []store.RemoteCalendar
	for i, resp := range responses {
		if err := resp.Err(); err != nil {
			return nil, fmt.Errorf("list calendars of group %s: %w", groups.Value[i].ID, err)
		}
		var cals namedList
		if err := resp.Decode(&cals); err != nil {
			return nil, err
		}
		for _, c := range cals.Value {
			out = append(out, store.RemoteCalendar{UserID: user.ID, UID: c.ID, Name: c.Name})
		}
	}
	return out, nil
}

// ReloadOptions replaces the user's calendar options with the calendars
// currently available remotely.
func (s *Service) ReloadOptions(ctx context.Context, user *store.RemoteUser) error {
	existing, err := s.store.Calendars.ListByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list calendar options: %w", err)
	}
	for i := range existing {
		if err := s.DeleteOption(ctx, user, &existing[i]); err != nil {
			return err
		}
	}

	cals, err := s.RemoteCalendars(ctx, user)
	if err != nil {
		return err
	}
	for _, cal := range cals {
		if _, err := s.store.Calendars.Create(ctx, cal); err != nil {
			return fmt.Errorf("store calendar option %s: %w", cal.Name, err)
		}
	}
	log.Printf("[INFO] calendar: user %d has %d calendar options", user.ID, len(cals))
	return nil
}

// RemoveUnusedOptions deletes every option except the selected calendar.
func (s *Service) RemoveUnusedOptions(ctx context.Context, user *store.RemoteUser) error {
	existing, err := s.store.Calendars.ListByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list calendar options: %w", err)
	}
	for i := range existing {
		if user.CalendarID != nil && existing[i].ID == *user.CalendarID {
			continue
		}
		if err := s.DeleteOption(ctx, user, &existing[i]); err != nil {
			return err
		}
	}
	return nil
}

// RemoveUser deletes the user after dropping every calendar option, so
// records the user imported go with it. Queued pushes, pull items and links
// are removed by the store.
func (s *Service) RemoveUser(ctx context.Context, user *store.RemoteUser) error {
	existing, err := s.store.Calendars.ListByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list calendar options: %w", err)
	}
	for i := range existing {
		if err := s.DeleteOption(ctx, user, &existing[i]); err != nil {
			return err
		}
	}
	if err := s.store.Users.Delete(ctx, user.ID); err != nil {
		return fmt.Errorf("delete remote user %d: %w", user.ID, err)
	}
	log.Printf("[INFO] calendar: removed remote user %d", user.ID)
	return nil
}

// DeleteOption removes a calendar option. Records the user imported as the
// organizer are deleted; other records of the calendar lose their link.
func (s *Service) DeleteOption(ctx context.Context, user *store.RemoteUser, cal *store.RemoteCalendar) error {
	if cal.UID != "" {
		calLinks, err := s.store.Links.ListByCreateDomain(ctx, user.ID, cal.UID)
		if err != nil {
			return fmt.Errorf("list links of calendar %s: %w", cal.UID, err)
		}
		for i := range calLinks {
			link := &calLinks[i]
			rec, err := s.store.Records.Get(ctx, link.Record)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if rec != nil && rec.Fields.Bool(FieldFromRemote) && sameEmail(rec.Fields.String(FieldOwnerEmail), user.Email) {
				if err := s.deleteRecord(ctx, link, rec); err != nil {
					return err
				}
				continue
			}
			if err := s.links.Forget(ctx, link); err != nil {
				return err
			}
		}
	}
	if user.CalendarID != nil && *user.CalendarID == cal.ID {
		if err := s.store.Users.SetCalendar(ctx, user.ID, nil); err != nil {
			return err
		}
		user.CalendarID = nil
	}
	return s.store.Calendars.Delete(ctx, cal.ID)
}

// ExistsRemotely reports whether the calendar can still be read.
func (s *Service) ExistsRemotely(ctx context.Context, user *store.RemoteUser, cal *store.RemoteCalendar) bool {
	var out namedObject
	if err := s.clients.ForUser(user).GetJSON(ctx, fmt.Sprintf(calendarPath, cal.UID), &out); err != nil {
		log.Printf("[WARN] calendar: calendar %s of user %d not readable: %v", cal.UID, user.ID, err)
		return false
	}
	return true
}

// Validate checks that sync can start for the user.
func (s *Service) Validate(ctx context.Context, user *store.RemoteUser) error {
	if user.CalendarID == nil {
		return &ValidationError{Title: "No calendar selected", Detail: "Pick a calendar before starting the synchronisation."}
	}
	if err := s.clients.ForUser(user).EnsureToken(ctx); err != nil || user.AuthenticationFailure {
		return &ValidationError{Title: "Login failed", Detail: "Connect the remote account again."}
	}
	if strings.TrimSpace(user.Category) == "" {
		return &ValidationError{Title: "No category defined", Detail: "Enter the category name to use before starting the synchronisation."}
	}
	cal, err := s.store.Calendars.GetByID(ctx, *user.CalendarID)
	if err != nil || !s.ExistsRemotely(ctx, user, cal) {
		return &ValidationError{Title: "Calendar does not exist", Detail: "The chosen calendar does not exist anymore. Pick another calendar before starting the synchronisation."}
	}
	return nil
}

// Start prepares calendar sync: unused options go, and the user's meetings
// from a month back up to ten years ahead get a remote copy.
func (s *Service) Start(ctx context.Context, user *store.RemoteUser) error {
	if err := s.RemoveUnusedOptions(ctx, user); err != nil {
		return err
	}

	now := s.now()
	from := FormatLocalTime(now.AddDate(0, 0, -meetingsWindowBack))
	to := FormatLocalTime(now.AddDate(0, 0, meetingsWindowDays))
	meetings, err := s.store.Records.ListInRange(ctx, EventKind, FieldStart, from, to)
	if err != nil {
		return fmt.Errorf("list meetings: %w", err)
	}
	var errs []error
	for i := range meetings {
		rec := &meetings[i]
		if !containsID(rec.Fields.Strings(FieldPartners), user.PartnerID) {
			continue
		}
		if err := s.createLinks(ctx, rec, []string{user.PartnerID}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Users.SetCalendarSyncFailed(ctx, user.ID, false); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
