package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gitea.jw6.us/james/calsync/internal/changes"
	"gitea.jw6.us/james/calsync/internal/links"
	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/store"
)

const (
	// syncWindowBack and syncWindowDays bound the calendar view queried for
	// deltas.
	syncWindowBack = 30
	syncWindowDays = 530

	calendarRemovedMessage = "Calendar was removed. Please pick another one if you want to restart the syncing."
)

// Process pulls the user's calendar deltas. It serves the calendar pull
// domain.
func (s *Service) Process(ctx context.Context, user *store.RemoteUser, item *store.PullQueueItem) (int, error) {
	return s.Sync(ctx, user)
}

// Sync fetches every change of the user's calendar since the stored cursor
// and reconciles it with local records. The cursor only advances once every
// entry was applied. It returns the number of local records created,
// updated or deleted.
func (s *Service) Sync(ctx context.Context, user *store.RemoteUser) (int, error) {
	if user.CalendarID == nil {
		return 0, ErrNoCalendar
	}
	cal, err := s.store.Calendars.GetByID(ctx, *user.CalendarID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoCalendar
	}
	if err != nil {
		return 0, fmt.Errorf("load calendar %d: %w", *user.CalendarID, err)
	}

	client := s.clients.ForUser(user)
	res, err := client.FetchDelta(ctx, s.viewPath(cal))
	if err != nil {
		if remote.IsKind(err, remote.KindNotFound) {
			s.calendarGone(ctx, user)
			return 0, fmt.Errorf("%w: %v", ErrCalendarGone, err)
		}
		return 0, fmt.Errorf("fetch calendar delta: %w", err)
	}

	events, errs, err := s.expand(ctx, client, user, res.Values)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range events {
		applied, err := s.apply(ctx, user, cal, &events[i])
		if err != nil {
			log.Printf("[ERROR] calendar: user %d event %s: %v", user.ID, events[i].RemoteID, err)
			errs = append(errs, err)
			continue
		}
		if applied {
			count++
		}
	}
	if len(errs) > 0 {
		return count, errors.Join(errs...)
	}

	if res.DeltaToken != "" && res.DeltaToken != cal.DeltaToken {
		if err := s.store.Calendars.UpdateDeltaToken(ctx, cal.ID, res.DeltaToken); err != nil {
			return count, fmt.Errorf("store delta token: %w", err)
		}
	}
	log.Printf("[INFO] calendar: user %d pulled %d entries, %d applied", user.ID, len(res.Values), count)
	return count, nil
}

func (s *Service) viewPath(cal *store.RemoteCalendar) string {
	start := s.now().AddDate(0, 0, -syncWindowBack)
	end := start.AddDate(0, 0, syncWindowDays)
	path := fmt.Sprintf(calendarViewPath, cal.UID) +
		"?startDateTime=" + start.Format(RemoteTimeLayout) + "Z" +
		"&endDateTime=" + end.Format(RemoteTimeLayout) + "Z"
	if cal.DeltaToken != "" {
		path += "&$deltaToken=" + cal.DeltaToken
	}
	return path
}

func (s *Service) calendarGone(ctx context.Context, user *store.RemoteUser) {
	log.Printf("[WARN] calendar: user %d (%s) deleted the synced calendar", user.ID, user.Email)
	// Reloading drops the selection, which resets the failure flag.
	if err := s.ReloadOptions(ctx, user); err != nil {
		log.Printf("[ERROR] calendar: reload options for user %d: %v", user.ID, err)
	}
	if err := s.store.Users.SetCalendarSyncFailed(ctx, user.ID, true); err != nil {
		log.Printf("[ERROR] calendar: flag user %d: %v", user.ID, err)
	}
	if err := s.store.Users.SetLastError(ctx, user.ID, calendarRemovedMessage); err != nil {
		log.Printf("[ERROR] calendar: record error for user %d: %v", user.ID, err)
	}
}

// expand turns delta entries into events. Series masters are dropped;
// occurrences take their master's values, fetching the master when it is
// not part of the page. Occurrences whose master cannot be fetched are
// skipped and reported in skipped, so the rest of the page still applies.
func (s *Service) expand(ctx context.Context, client *remote.Client, user *store.RemoteUser, values []json.RawMessage) (out []Event, skipped []error, err error) {
	var entries []*remoteEvent
	masters := make(map[string]*remoteEvent)
	unreachable := make(map[string]error)

	for _, raw := range values {
		ev, removed, err := decodeEntry(raw)
		if err != nil {
			return nil, nil, err
		}
		if removed != nil {
			out = append(out, Event{RemoteID: ExtractDeletedID(removed.ID), Deleted: true})
			continue
		}
		if ev.Type == typeSeriesMaster {
			masters[ev.ID] = ev
			continue
		}
		entries = append(entries, ev)
	}

	for _, entry := range entries {
		master := entry
		if entry.Type == typeOccurrence && entry.SeriesMasterID != "" {
			m, ok := masters[entry.SeriesMasterID]
			if !ok {
				if _, failed := unreachable[entry.SeriesMasterID]; failed {
					continue
				}
				m = &remoteEvent{}
				if err := client.GetJSON(ctx, fmt.Sprintf(EventsDataDomain, entry.SeriesMasterID), m); err != nil {
					err = fmt.Errorf("load series master %s: %w", entry.SeriesMasterID, err)
					log.Printf("[WARN] calendar: user %d skipping occurrence %s: %v", user.ID, entry.ID, err)
					unreachable[entry.SeriesMasterID] = err
					skipped = append(skipped, err)
					continue
				}
				masters[entry.SeriesMasterID] = m
			}
			master = m
		}

		if user.IgnoreWithoutCategory && !hasCategory(master.Categories, user.Category) {
			out = append(out, Event{RemoteID: entry.ID, CategoryRemoved: true})
			continue
		}
		ev, err := flatten(entry, master, user.Category)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, ev)
	}
	return out, skipped, nil
}

// apply reconciles one event and reports whether a local record changed.
func (s *Service) apply(ctx context.Context, user *store.RemoteUser, cal *store.RemoteCalendar, ev *Event) (bool, error) {
	link, err := s.store.Links.GetByRemoteID(ctx, user.ID, ev.RemoteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("lookup link: %w", err)
	}
	if link != nil {
		rec, err := s.store.Records.Get(ctx, link.Record)
		if err == nil {
			return s.applyLinked(ctx, user, link, rec, ev)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("load %s: %w", link.Record, err)
		}
		// The record vanished without taking its link along.
		if err := s.links.Forget(ctx, link); err != nil {
			return false, err
		}
	}
	return s.applyNew(ctx, user, cal, ev)
}

func (s *Service) applyLinked(ctx context.Context, user *store.RemoteUser, link *store.RecordLink, rec *store.Record, ev *Event) (bool, error) {
	switch {
	case ev.Deleted:
		owner := rec.Fields.String(FieldOwnerEmail)
		if owner == "" || (rec.Fields.Bool(FieldFromRemote) && sameEmail(owner, user.Email)) {
			return true, s.deleteRecord(ctx, link, rec)
		}
		return true, s.links.Forget(ctx, link)

	case ev.CategoryRemoved:
		all, err := s.store.Links.ListByScope(ctx, NewEntity(s.store).LinkScope(rec))
		if err != nil {
			return false, fmt.Errorf("list links of %s: %w", rec.Ref, err)
		}
		if len(all) == 1 {
			return false, s.deleteRecord(ctx, link, rec)
		}
		return false, s.links.Forget(ctx, link)
	}

	fromRemote := rec.Fields.Bool(FieldFromRemote)
	if fromRemote && ev.ICalUID != rec.Fields.String(FieldICalUID) {
		if err := s.tracker.Write(ctx, rec.Ref, store.Fields{FieldICalUID: ev.ICalUID}, store.WriteChangePush, changes.WriteOptions{}); err != nil {
			return false, err
		}
	}
	if !link.Direction.PullsRemote() {
		return false, nil
	}

	fields, err := s.localFields(ctx, ev, fromRemote)
	if err != nil {
		return false, err
	}
	patch := changes.ExtractChanged(rec, fields)
	if len(patch) == 0 {
		return false, nil
	}
	if err := s.tracker.Write(ctx, rec.Ref, patch, store.WriteExternal, changes.WriteOptions{LastWrite: ev.LastModified}); err != nil {
		return false, err
	}
	return true, nil
}

// deleteRecord forgets the syncing user's link before the record goes, so
// that no DELETE is sent for an object that is already gone remotely.
// Links of other users still delete their remote copies.
func (s *Service) deleteRecord(ctx context.Context, link *store.RecordLink, rec *store.Record) error {
	if err := s.links.Forget(ctx, link); err != nil {
		return err
	}
	return s.tracker.Delete(ctx, rec.Ref)
}

func (s *Service) applyNew(ctx context.Context, user *store.RemoteUser, cal *store.RemoteCalendar, ev *Event) (bool, error) {
	if ev.Deleted || ev.CategoryRemoved {
		return false, nil
	}

	var ref store.RecordRef
	if ev.ICalUID != "" {
		existing, err := s.store.Records.FindByFields(ctx, EventKind, store.Fields{
			FieldICalUID: ev.ICalUID,
			FieldStart:   FormatLocalTime(ev.Start),
			FieldStop:    FormatLocalTime(ev.End),
		})
		if err != nil {
			return false, fmt.Errorf("find imported event: %w", err)
		}
		if len(existing) > 0 {
			ref = existing[0].Ref
		}
	}

	if ref.IsZero() {
		fields, err := s.localFields(ctx, ev, true)
		if err != nil {
			return false, err
		}
		fields[FieldState] = "open"
		fields[FieldOwnerEmail] = ev.OwnerEmail
		fields[FieldFromRemote] = true
		fields[FieldICalUID] = ev.ICalUID
		rec, err := s.store.Records.Create(ctx, store.Record{Ref: store.RecordRef{Kind: EventKind}, Fields: fields})
		if err != nil {
			return false, fmt.Errorf("create event: %w", err)
		}
		ref = rec.Ref
	}

	direction := store.DirectionRemoteToLocal
	if sameEmail(ev.OwnerEmail, user.Email) {
		direction = store.DirectionBoth
	}
	if _, err := s.links.Create(ctx, links.CreateParams{
		UserID:       user.ID,
		Record:       ref,
		RemoteID:     ev.RemoteID,
		DataDomain:   EventsDataDomain,
		CreateDomain: fmt.Sprintf(EventsCreateDomain, cal.UID),
		Direction:    direction,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// localFields maps an event onto record fields. Attendees are only
// included for records that originated remotely.
func (s *Service) localFields(ctx context.Context, ev *Event, withPartners bool) (store.Fields, error) {
	fields := store.Fields{
		FieldName:        ev.Subject,
		FieldDescription: ev.Body,
		FieldStart:       FormatLocalTime(ev.Start),
		FieldStop:        FormatLocalTime(ev.End),
		FieldAllDay:      ev.AllDay,
		FieldLocation:    ev.Location,
		FieldCategories:  ev.Categories,
	}
	if withPartners {
		ids, err := s.PartnersWithEmail(ctx, ev.Attendees)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		fields[FieldPartners] = ids
	}
	return fields, nil
}
