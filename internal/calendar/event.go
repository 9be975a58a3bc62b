// Package calendar maps remote calendar events onto local event records and
// back.
package calendar

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gitea.jw6.us/james/calsync/internal/payload"
)

const (
	EventKind   = "calendar.event"
	PartnerKind = "partner"

	// PullDomain is the pull queue domain served by the calendar processor.
	PullDomain = "calendar"

	EventsCreateDomain = "calendars/%s/events"
	EventsDataDomain   = "events/%s"

	calendarGroupsPath     = "calendargroups"
	calendarGroupCalendars = "calendargroups/%s/calendars"
	calendarPath           = "calendars/%s"
	calendarViewPath       = "calendars/%s/calendarview"

	// RemoteTimeLayout is the wall clock layout of remote DateTime values.
	RemoteTimeLayout = "2006-01-02T15:04:05"
	// LocalTimeLayout is how event records store start and stop.
	LocalTimeLayout = "2006-01-02 15:04:05"
)

// Event record fields.
const (
	FieldName        = "name"
	FieldDescription = "description"
	FieldStart       = "start"
	FieldStop        = "stop"
	FieldAllDay      = "allday"
	FieldLocation    = "location"
	FieldPartners    = "partner_ids"
	FieldCategories  = "outlook_categories"
	FieldOwnerEmail  = "outlook_owner_email"
	FieldFromRemote  = "from_outlook"
	FieldICalUID     = "outlook_ical_uid"
	FieldState       = "state"

	// Partner record fields.
	FieldPartnerName  = "name"
	FieldPartnerEmail = "email"
)

const bodyTrailer = "Synced from a local calendar event"

var attendeesTrailer = regexp.MustCompile(`\s*Attendees:.+`)

// Attendee is a participant of an event.
type Attendee struct {
	Name  string
	Email string
}

// Event is a remote event flattened for reconciliation. Occurrences carry
// the values of their series master.
type Event struct {
	RemoteID   string
	ICalUID    string
	Subject    string
	Body       string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Location   string
	OwnerName  string
	OwnerEmail string
	Attendees  []Attendee
	Reminder   int
	Categories []string

	LastModified time.Time

	Deleted         bool
	CategoryRemoved bool

	RequireResponse bool
	// AttendeesInBody lists attendees in the body instead of inviting them.
	AttendeesInBody bool
}

// Template renders the full remote payload used to create the event.
func (e *Event) Template() payload.Template {
	content := e.Body
	attendees := []any{}
	if e.AttendeesInBody {
		content = FormBody(e.Body, e.Attendees)
	} else {
		for _, a := range e.Attendees {
			attendees = append(attendees, recipientPayload(a))
		}
	}
	categories := make([]any, 0, len(e.Categories))
	for _, c := range e.Categories {
		categories = append(categories, c)
	}
	return payload.Template{
		"Subject":           e.Subject,
		"Body":              map[string]any{"Content": content},
		"Start":             dateTimePayload(e.Start),
		"End":               dateTimePayload(e.End),
		"Attendees":         attendees,
		"Location":          map[string]any{"DisplayName": e.Location},
		"ResponseRequested": e.RequireResponse,
		"IsAllDay":          e.AllDay,
		"Categories":        categories,
	}
}

func recipientPayload(a Attendee) map[string]any {
	return map[string]any{"EmailAddress": map[string]any{"Address": a.Email, "Name": a.Name}}
}

func dateTimePayload(t time.Time) map[string]any {
	return map[string]any{"DateTime": t.UTC().Format(RemoteTimeLayout), "TimeZone": "UTC"}
}

// FormBody appends the attendee list to body.
func FormBody(body string, attendees []Attendee) string {
	if len(attendees) == 0 {
		return body
	}
	parts := make([]string, len(attendees))
	for i, a := range attendees {
		parts[i] = fmt.Sprintf("%s (%s)", a.Name, a.Email)
	}
	return body + "\n\nAttendees: " + strings.Join(parts, ", ") + "\n\n" + bodyTrailer
}

// CleanBody strips the attendee trailer written by FormBody.
func CleanBody(body string) string {
	matches := attendeesTrailer.FindAllStringIndex(body, -1)
	if len(matches) == 0 {
		return body
	}
	return body[:matches[len(matches)-1][0]]
}

type emailAddress struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"EmailAddress"`
}

type dateTimeZone struct {
	DateTime string `json:"DateTime"`
	TimeZone string `json:"TimeZone"`
}

// remoteEvent is the wire shape of an event in a calendar view.
type remoteEvent struct {
	ID             string `json:"Id"`
	ICalUID        string `json:"iCalUId"`
	Type           string `json:"Type"`
	SeriesMasterID string `json:"SeriesMasterId"`
	Subject        string `json:"Subject"`
	Body           struct {
		Content string `json:"Content"`
	} `json:"Body"`
	Start    dateTimeZone `json:"Start"`
	End      dateTimeZone `json:"End"`
	IsAllDay bool         `json:"IsAllDay"`
	Location struct {
		DisplayName string `json:"DisplayName"`
	} `json:"Location"`
	Organizer                  recipient   `json:"Organizer"`
	Attendees                  []recipient `json:"Attendees"`
	Categories                 []string    `json:"Categories"`
	ReminderMinutesBeforeStart int         `json:"ReminderMinutesBeforeStart"`
	LastModifiedDateTime       string      `json:"LastModifiedDateTime"`
}

// removedEntry is how the delta stream reports a deleted event.
type removedEntry struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

const (
	typeSeriesMaster = "SeriesMaster"
	typeOccurrence   = "Occurrence"
)

var deletedIDPattern = regexp.MustCompile(`(?i)CalendarView\('(.+)'\)`)

// ExtractDeletedID returns the event id inside a CalendarView('<id>')
// reference, or the input when it has another shape.
func ExtractDeletedID(ref string) string {
	if m := deletedIDPattern.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	return ref
}

func decodeEntry(raw json.RawMessage) (*remoteEvent, *removedEntry, error) {
	var removed removedEntry
	if err := json.Unmarshal(raw, &removed); err != nil {
		return nil, nil, fmt.Errorf("decode delta entry: %w", err)
	}
	if removed.Reason == "deleted" {
		return nil, &removed, nil
	}
	var ev remoteEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil, nil
}

// parseRemoteTime reads the first 19 characters of a remote DateTime.
func parseRemoteTime(s string) (time.Time, error) {
	if len(s) > 19 {
		s = s[:19]
	}
	return time.Parse(RemoteTimeLayout, s)
}

func parseModified(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := parseRemoteTime(s); err == nil {
		return t
	}
	return time.Time{}
}

// flatten builds the Event for entry using master for the series wide
// values. master is entry itself for single instances and exceptions.
func flatten(entry, master *remoteEvent, category string) (Event, error) {
	start, err := parseRemoteTime(entry.Start.DateTime)
	if err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", entry.ID, err)
	}
	end, err := parseRemoteTime(entry.End.DateTime)
	if err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", entry.ID, err)
	}
	if master.IsAllDay {
		end = end.AddDate(0, 0, -1)
	}

	var attendees []Attendee
	seen := make(map[string]bool)
	add := func(r recipient) {
		if seen[r.EmailAddress.Address] {
			return
		}
		seen[r.EmailAddress.Address] = true
		attendees = append(attendees, Attendee{Name: r.EmailAddress.Name, Email: r.EmailAddress.Address})
	}
	for _, a := range master.Attendees {
		add(a)
	}
	add(master.Organizer)

	categories := append([]string(nil), entry.Categories...)
	if category != "" {
		categories = append(categories, category)
	}

	return Event{
		RemoteID:     entry.ID,
		ICalUID:      master.ICalUID,
		Subject:      master.Subject,
		Body:         CleanBody(master.Body.Content),
		Start:        start,
		End:          end,
		AllDay:       master.IsAllDay,
		Location:     master.Location.DisplayName,
		OwnerName:    master.Organizer.EmailAddress.Name,
		OwnerEmail:   master.Organizer.EmailAddress.Address,
		Attendees:    attendees,
		Reminder:     master.ReminderMinutesBeforeStart,
		Categories:   uniqueSorted(categories),
		LastModified: parseModified(master.LastModifiedDateTime),
	}, nil
}

func hasCategory(categories []string, category string) bool {
	for _, c := range categories {
		if c == category {
			return true
		}
	}
	return false
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
