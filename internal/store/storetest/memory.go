// Package storetest provides an in-memory store.Store for tests of packages
// that sit above the persistence layer.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calsync/internal/store"
)

// DB holds the in-memory tables shared by the repositories.
type DB struct {
	mu     sync.Mutex
	nextID int64
	seq    int64

	records   map[store.RecordRef]*memRecord
	users     map[int64]*store.RemoteUser
	calendars map[int64]*store.RemoteCalendar
	links     map[int64]*store.RecordLink
	pushes    map[int64]*store.PushQueueItem
	changes   map[int64]*store.ChangeQueueItem
	pulls     map[int64]*store.PullQueueItem
	custom    []store.CustomSyncValue

	// Now stamps created_at and updated_at columns.
	Now func() time.Time
}

type memRecord struct {
	rec store.Record
	seq int64
}

// New returns a Store whose repositories share one in-memory DB.
func New() (*store.Store, *DB) {
	db := &DB{
		records:   make(map[store.RecordRef]*memRecord),
		users:     make(map[int64]*store.RemoteUser),
		calendars: make(map[int64]*store.RemoteCalendar),
		links:     make(map[int64]*store.RecordLink),
		pushes:    make(map[int64]*store.PushQueueItem),
		changes:   make(map[int64]*store.ChangeQueueItem),
		pulls:     make(map[int64]*store.PullQueueItem),
		Now:       func() time.Time { return time.Now().UTC() },
	}
	return &store.Store{
		Records:      &records{db},
		Users:        &users{db},
		Calendars:    &calendars{db},
		Links:        &links{db},
		PushQueue:    &pushes{db},
		ChangeQueue:  &changes{db},
		PullQueue:    &pulls{db},
		CustomValues: &customValues{db},
	}, db
}

// AddCustomValue registers an active custom template fragment.
func (db *DB) AddCustomValue(kind, name string, value any, sequence int) {
	data, _ := json.Marshal(value)
	db.mu.Lock()
	defer db.mu.Unlock()
	db.custom = append(db.custom, store.CustomSyncValue{
		ID: db.id(), Kind: kind, Name: name, Value: data, Sequence: sequence, Active: true,
	})
}

// PushItems returns a snapshot of every push queue item ordered by id.
func (db *DB) PushItems() []store.PushQueueItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.PushQueueItem, 0, len(db.pushes))
	for _, item := range db.pushes {
		out = append(out, clonePush(*item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChangeItems returns a snapshot of every change queue item ordered by id.
func (db *DB) ChangeItems() []store.ChangeQueueItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.ChangeQueueItem, 0, len(db.changes))
	for _, item := range db.changes {
		c := *item
		c.Changes = deepClone(item.Changes)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPullUpdatedAt rewinds a pull item's claim timestamp.
func (db *DB) SetPullUpdatedAt(id int64, at time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if item, ok := db.pulls[id]; ok {
		item.UpdatedAt = at
	}
}

func (db *DB) id() int64 {
	db.nextID++
	return db.nextID
}

// deepClone round-trips through JSON so callers see the same shapes a
// PostgreSQL JSONB column would return.
func deepClone(f store.Fields) store.Fields {
	if f == nil {
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	var out store.Fields
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// contains mirrors the JSONB @> operator.
func contains(haystack, needle any) bool {
	switch n := needle.(type) {
	case map[string]any:
		h, ok := haystack.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range n {
			hv, ok := h[k]
			if !ok || !contains(hv, v) {
				return false
			}
		}
		return true
	case []any:
		h, ok := haystack.([]any)
		if !ok {
			return false
		}
		for _, v := range n {
			found := false
			for _, hv := range h {
				if contains(hv, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		if h, ok := haystack.([]any); ok {
			for _, hv := range h {
				if hv == needle {
					return true
				}
			}
			return false
		}
		return haystack == needle
	}
}

type records struct{ db *DB }

func (r *records) Get(ctx context.Context, ref store.RecordRef) (*store.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.records[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecord(m.rec), nil
}

func cloneRecord(rec store.Record) *store.Record {
	out := rec
	out.Fields = deepClone(rec.Fields)
	if out.Fields == nil {
		out.Fields = store.Fields{}
	}
	out.OriginalValues = deepClone(rec.OriginalValues)
	if rec.ChangeLastWrite != nil {
		at := *rec.ChangeLastWrite
		out.ChangeLastWrite = &at
	}
	return &out
}

func (r *records) Create(ctx context.Context, rec store.Record) (*store.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if rec.Ref.ID == "" {
		rec.Ref.ID = uuid.NewString()
	}
	if _, exists := r.db.records[rec.Ref]; exists {
		return nil, store.ErrConflict
	}
	now := r.db.Now()
	if rec.WriteDate.IsZero() {
		rec.WriteDate = now
	}
	rec.CreatedAt = now
	rec.ChangeLastWrite = nil
	r.db.seq++
	r.db.records[rec.Ref] = &memRecord{rec: *cloneRecord(rec), seq: r.db.seq}
	return cloneRecord(rec), nil
}

func (r *records) UpdateFields(ctx context.Context, ref store.RecordRef, values store.Fields, writeDate time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.records[ref]
	if !ok {
		return store.ErrNotFound
	}
	if m.rec.Fields == nil {
		m.rec.Fields = store.Fields{}
	}
	for k, v := range deepClone(values) {
		m.rec.Fields[k] = v
	}
	m.rec.WriteDate = writeDate
	return nil
}

func (r *records) SetOriginalValues(ctx context.Context, ref store.RecordRef, values store.Fields) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if m, ok := r.db.records[ref]; ok {
		m.rec.OriginalValues = deepClone(values)
	}
	return nil
}

func (r *records) SetChangeLastWrite(ctx context.Context, ref store.RecordRef, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if m, ok := r.db.records[ref]; ok {
		m.rec.ChangeLastWrite = &at
	}
	return nil
}

func (r *records) Delete(ctx context.Context, ref store.RecordRef) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.records[ref]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.records, ref)
	return nil
}

func (r *records) filter(kind string, match func(store.Record) bool) []store.Record {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var hits []*memRecord
	for ref, m := range r.db.records {
		if ref.Kind == kind && match(m.rec) {
			hits = append(hits, m)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	out := make([]store.Record, 0, len(hits))
	for _, m := range hits {
		out = append(out, *cloneRecord(m.rec))
	}
	return out
}

func (r *records) FindByFields(ctx context.Context, kind string, match store.Fields) ([]store.Record, error) {
	needle := normalize(match)
	return r.filter(kind, func(rec store.Record) bool {
		return contains(normalize(rec.Fields), needle)
	}), nil
}

func (r *records) FindByFieldFold(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	return r.filter(kind, func(rec store.Record) bool {
		s, ok := rec.Fields[field].(string)
		return ok && strings.EqualFold(s, value)
	}), nil
}

func (r *records) ListContaining(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	return r.filter(kind, func(rec store.Record) bool {
		for _, s := range rec.Fields.Strings(field) {
			if s == value {
				return true
			}
		}
		return false
	}), nil
}

func (r *records) ListChildren(ctx context.Context, parent store.RecordRef) ([]store.Record, error) {
	out := r.filter(parent.Kind, func(rec store.Record) bool {
		return rec.ParentID == parent.ID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

func (r *records) ListInRange(ctx context.Context, kind, field, from, to string) ([]store.Record, error) {
	out := r.filter(kind, func(rec store.Record) bool {
		s, ok := rec.Fields[field].(string)
		return ok && s >= from && s <= to
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Fields.String(field) < out[j].Fields.String(field) })
	return out, nil
}

type users struct{ db *DB }

func (r *users) Create(ctx context.Context, user store.RemoteUser) (*store.RemoteUser, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.PartnerID == user.PartnerID {
			return nil, store.ErrConflict
		}
	}
	user.ID = r.db.id()
	user.CreatedAt = r.db.Now()
	stored := user
	r.db.users[user.ID] = &stored
	return &user, nil
}

func (r *users) GetByID(ctx context.Context, id int64) (*store.RemoteUser, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func cloneUser(u *store.RemoteUser) *store.RemoteUser {
	out := *u
	if u.CalendarID != nil {
		id := *u.CalendarID
		out.CalendarID = &id
	}
	return &out
}

func (r *users) find(match func(*store.RemoteUser) bool) []store.RemoteUser {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.RemoteUser
	for _, u := range r.db.users {
		if match(u) {
			out = append(out, *cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *users) GetByPartner(ctx context.Context, partnerID string) (*store.RemoteUser, error) {
	found := r.find(func(u *store.RemoteUser) bool { return u.PartnerID == partnerID })
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return &found[0], nil
}

func (r *users) GetByEmail(ctx context.Context, email string) (*store.RemoteUser, error) {
	found := r.find(func(u *store.RemoteUser) bool { return strings.EqualFold(u.Email, email) })
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return &found[0], nil
}

func (r *users) ListAll(ctx context.Context) ([]store.RemoteUser, error) {
	return r.find(func(*store.RemoteUser) bool { return true }), nil
}

func (r *users) ListSyncStarted(ctx context.Context) ([]store.RemoteUser, error) {
	return r.find(func(u *store.RemoteUser) bool { return u.SyncStarted }), nil
}

func (r *users) ListWithPendingPushes(ctx context.Context) ([]store.RemoteUser, error) {
	r.db.mu.Lock()
	pending := make(map[int64]bool)
	for _, item := range r.db.pushes {
		if item.Status.Pending() {
			pending[item.UserID] = true
		}
	}
	r.db.mu.Unlock()
	return r.find(func(u *store.RemoteUser) bool { return pending[u.ID] }), nil
}

func (r *users) update(id int64, fn func(*store.RemoteUser)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(u)
	return nil
}

func (r *users) UpdateTokens(ctx context.Context, id int64, tokens store.TokenSet, email string) error {
	return r.update(id, func(u *store.RemoteUser) {
		u.Tokens = tokens
		if email != "" {
			u.Email = email
		}
		u.AuthenticationFailure = false
		u.LastError = ""
	})
}

func (r *users) SetAuthFailure(ctx context.Context, id int64, lastError string) error {
	return r.update(id, func(u *store.RemoteUser) {
		u.AuthenticationFailure = true
		u.LastError = lastError
	})
}

func (r *users) SetLastError(ctx context.Context, id int64, lastError string) error {
	return r.update(id, func(u *store.RemoteUser) { u.LastError = lastError })
}

func (r *users) SetLastSync(ctx context.Context, id int64, summary string) error {
	return r.update(id, func(u *store.RemoteUser) { u.LastSync = summary })
}

func (r *users) SetSyncStarted(ctx context.Context, id int64, started bool) error {
	return r.update(id, func(u *store.RemoteUser) { u.SyncStarted = started })
}

func (r *users) SetCalendar(ctx context.Context, id int64, calendarID *int64) error {
	return r.update(id, func(u *store.RemoteUser) {
		u.CalendarID = calendarID
		u.CalendarSyncFailed = false
	})
}

func (r *users) SetCalendarSyncFailed(ctx context.Context, id int64, failed bool) error {
	return r.update(id, func(u *store.RemoteUser) { u.CalendarSyncFailed = failed })
}

func (r *users) UpdateSettings(ctx context.Context, id int64, category string, ignoreWithoutCategory bool) error {
	return r.update(id, func(u *store.RemoteUser) {
		u.Category = category
		u.IgnoreWithoutCategory = ignoreWithoutCategory
	})
}

func (r *users) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.users, id)
	for cid, c := range r.db.calendars {
		if c.UserID == id {
			delete(r.db.calendars, cid)
		}
	}
	for lid, l := range r.db.links {
		if l.UserID == id {
			delete(r.db.links, lid)
		}
	}
	for pid, p := range r.db.pushes {
		if p.UserID == id {
			delete(r.db.pushes, pid)
		}
	}
	for pid, p := range r.db.pulls {
		if p.UserID == id {
			delete(r.db.pulls, pid)
		}
	}
	return nil
}

type calendars struct{ db *DB }

func (r *calendars) GetByID(ctx context.Context, id int64) (*store.RemoteCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.calendars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (r *calendars) ListByUser(ctx context.Context, userID int64) ([]store.RemoteCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.RemoteCalendar
	for _, c := range r.db.calendars {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *calendars) Create(ctx context.Context, cal store.RemoteCalendar) (*store.RemoteCalendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cal.ID = r.db.id()
	cal.CreatedAt = r.db.Now()
	stored := cal
	r.db.calendars[cal.ID] = &stored
	return &cal, nil
}

func (r *calendars) UpdateDeltaToken(ctx context.Context, id int64, token string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.calendars[id]
	if !ok {
		return store.ErrNotFound
	}
	c.DeltaToken = token
	return nil
}

func (r *calendars) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.calendars, id)
	for _, u := range r.db.users {
		if u.CalendarID != nil && *u.CalendarID == id {
			u.CalendarID = nil
		}
	}
	return nil
}

type links struct{ db *DB }

func (r *links) find(match func(*store.RecordLink) bool) []store.RecordLink {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.RecordLink
	for _, l := range r.db.links {
		if match(l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *links) one(match func(*store.RecordLink) bool) (*store.RecordLink, error) {
	found := r.find(match)
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return &found[0], nil
}

func (r *links) GetByID(ctx context.Context, id int64) (*store.RecordLink, error) {
	return r.one(func(l *store.RecordLink) bool { return l.ID == id })
}

func (r *links) GetByRecordAndUser(ctx context.Context, ref store.RecordRef, userID int64) (*store.RecordLink, error) {
	return r.one(func(l *store.RecordLink) bool { return l.Record == ref && l.UserID == userID })
}

func (r *links) GetByRemoteID(ctx context.Context, userID int64, remoteID string) (*store.RecordLink, error) {
	return r.one(func(l *store.RecordLink) bool { return l.UserID == userID && l.RemoteID == remoteID })
}

func (r *links) ListByScope(ctx context.Context, scope store.LinkScope) ([]store.RecordLink, error) {
	return r.find(func(l *store.RecordLink) bool { return scope.Matches(l.Record) }), nil
}

func (r *links) ListByUser(ctx context.Context, userID int64) ([]store.RecordLink, error) {
	return r.find(func(l *store.RecordLink) bool { return l.UserID == userID }), nil
}

func (r *links) ListByCreateDomain(ctx context.Context, userID int64, fragment string) ([]store.RecordLink, error) {
	return r.find(func(l *store.RecordLink) bool {
		return l.UserID == userID && strings.Contains(l.CreateDomain, fragment)
	}), nil
}

func (r *links) Create(ctx context.Context, link store.RecordLink) (*store.RecordLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, l := range r.db.links {
		if l.UserID == link.UserID && l.Record == link.Record {
			return nil, store.ErrConflict
		}
	}
	if link.Direction == "" {
		link.Direction = store.DirectionBoth
	}
	link.ID = r.db.id()
	link.CreatedAt = r.db.Now()
	stored := link
	r.db.links[link.ID] = &stored
	return &link, nil
}

func (r *links) SetRemoteID(ctx context.Context, id int64, remoteID, dataDomain string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l, ok := r.db.links[id]
	if !ok {
		return store.ErrNotFound
	}
	l.RemoteID = remoteID
	l.DataDomain = dataDomain
	return nil
}

func (r *links) SetDirection(ctx context.Context, id int64, direction store.SyncDirection) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l, ok := r.db.links[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Direction = direction
	return nil
}

func (r *links) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.links, id)
	for _, p := range r.db.pushes {
		if p.LinkID != nil && *p.LinkID == id {
			p.LinkID = nil
		}
	}
	return nil
}

type pushes struct{ db *DB }

func clonePush(item store.PushQueueItem) store.PushQueueItem {
	out := item
	if item.LinkID != nil {
		id := *item.LinkID
		out.LinkID = &id
	}
	if item.Payload != nil {
		out.Payload = append(json.RawMessage(nil), item.Payload...)
	}
	if item.Headers != nil {
		out.Headers = make(map[string]string, len(item.Headers))
		for k, v := range item.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func (r *pushes) Enqueue(ctx context.Context, item store.PushQueueItem) (*store.PushQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item.ID = r.db.id()
	item.Status = store.PushWaiting
	item.LastError = ""
	item.CreatedAt = r.db.Now()
	item.UpdatedAt = item.CreatedAt
	stored := clonePush(item)
	r.db.pushes[item.ID] = &stored
	out := clonePush(item)
	return &out, nil
}

func (r *pushes) list(match func(*store.PushQueueItem) bool) []store.PushQueueItem {
	var out []store.PushQueueItem
	for _, item := range r.db.pushes {
		if match(item) {
			out = append(out, clonePush(*item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *pushes) ClaimForUser(ctx context.Context, userID int64) ([]store.PushQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.Now()
	out := r.list(func(item *store.PushQueueItem) bool {
		return item.UserID == userID && item.Status.Pending()
	})
	for i := range out {
		stored := r.db.pushes[out[i].ID]
		stored.Status = store.PushProcessing
		stored.UpdatedAt = now
		out[i].Status = store.PushProcessing
		out[i].UpdatedAt = now
	}
	return out, nil
}

func (r *pushes) ListPendingForLink(ctx context.Context, linkID int64) ([]store.PushQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.list(func(item *store.PushQueueItem) bool {
		return item.LinkID != nil && *item.LinkID == linkID && item.Status.Pending()
	}), nil
}

func (r *pushes) ListByUser(ctx context.Context, userID int64) ([]store.PushQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.list(func(item *store.PushQueueItem) bool { return item.UserID == userID }), nil
}

func (r *pushes) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.pushes[id]
	if !ok || !item.Status.Pending() {
		return store.ErrNotFound
	}
	item.Payload = append(json.RawMessage(nil), payload...)
	item.UpdatedAt = r.db.Now()
	return nil
}

func (r *pushes) MarkRetrying(ctx context.Context, ids []int64, lastError string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.db.pushes[id]; ok {
			item.Status = store.PushRetrying
			item.LastError = lastError
		}
	}
	return nil
}

func (r *pushes) MarkFailed(ctx context.Context, id int64, lastError string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if item, ok := r.db.pushes[id]; ok {
		item.Status = store.PushFailed
		item.LastError = lastError
	}
	return nil
}

func (r *pushes) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.pushes, id)
	return nil
}

func (r *pushes) cancel(reason string, match func(*store.PushQueueItem) bool) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, item := range r.db.pushes {
		if item.Status.Pending() && match(item) {
			item.Status = store.PushCancelled
			item.LastError = reason
			n++
		}
	}
	return n, nil
}

func (r *pushes) CancelForLink(ctx context.Context, linkID int64, reason string) (int64, error) {
	return r.cancel(reason, func(item *store.PushQueueItem) bool {
		return item.LinkID != nil && *item.LinkID == linkID
	})
}

func (r *pushes) CancelForTarget(ctx context.Context, userID int64, targetID, reason string) (int64, error) {
	return r.cancel(reason, func(item *store.PushQueueItem) bool {
		return item.UserID == userID && item.TargetID == targetID
	})
}

func (r *pushes) CancelForDomain(ctx context.Context, userID int64, fragment, reason string) (int64, error) {
	return r.cancel(reason, func(item *store.PushQueueItem) bool {
		return item.UserID == userID && strings.Contains(item.Domain, fragment)
	})
}

func (r *pushes) CancelForUser(ctx context.Context, userID int64, reason string) (int64, error) {
	return r.cancel(reason, func(item *store.PushQueueItem) bool { return item.UserID == userID })
}

type changes struct{ db *DB }

func (r *changes) Create(ctx context.Context, item store.ChangeQueueItem) (*store.ChangeQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item.ID = r.db.id()
	item.Status = store.ChangeWaiting
	item.CreatedAt = r.db.Now()
	item.Changes = deepClone(item.Changes)
	stored := item
	r.db.changes[item.ID] = &stored
	return &item, nil
}

func (r *changes) ClaimForRecord(ctx context.Context, ref store.RecordRef) ([]store.ChangeQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.ChangeQueueItem
	for _, item := range r.db.changes {
		if item.Record == ref && item.Status == store.ChangeWaiting {
			item.Status = store.ChangeProcessing
			c := *item
			c.Changes = deepClone(item.Changes)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *changes) ListRecords(ctx context.Context) ([]store.RecordRef, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	seen := make(map[store.RecordRef]bool)
	var out []store.RecordRef
	for _, item := range r.db.changes {
		if item.Status == store.ChangeWaiting && !seen[item.Record] {
			seen[item.Record] = true
			out = append(out, item.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *changes) Release(ctx context.Context, ids []int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.db.changes[id]; ok {
			item.Status = store.ChangeWaiting
		}
	}
	return nil
}

func (r *changes) Delete(ctx context.Context, ids []int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range ids {
		delete(r.db.changes, id)
	}
	return nil
}

func (r *changes) DeleteForRecord(ctx context.Context, ref store.RecordRef) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, item := range r.db.changes {
		if item.Record == ref {
			delete(r.db.changes, id)
		}
	}
	return nil
}

type pulls struct{ db *DB }

func (r *pulls) GetOrCreate(ctx context.Context, userID int64, domain string) (*store.PullQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, item := range r.db.pulls {
		if item.UserID == userID && item.Domain == domain {
			out := *item
			return &out, nil
		}
	}
	item := &store.PullQueueItem{ID: r.db.id(), UserID: userID, Domain: domain, Status: store.PullWaiting, UpdatedAt: r.db.Now()}
	r.db.pulls[item.ID] = item
	out := *item
	return &out, nil
}

func (r *pulls) Claim(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.pulls[id]
	if !ok {
		return false, nil
	}
	if item.Status == store.PullPulling && !item.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	item.Status = store.PullPulling
	item.LastError = ""
	item.UpdatedAt = r.db.Now()
	return true, nil
}

func (r *pulls) MarkFailed(ctx context.Context, id int64, lastError string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if item, ok := r.db.pulls[id]; ok {
		item.Status = store.PullFailed
		item.LastError = lastError
		item.UpdatedAt = r.db.Now()
	}
	return nil
}

func (r *pulls) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.pulls, id)
	return nil
}

func (r *pulls) ListAll(ctx context.Context) ([]store.PullQueueItem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]store.PullQueueItem, 0, len(r.db.pulls))
	for _, item := range r.db.pulls {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type customValues struct{ db *DB }

func (r *customValues) ListActive(ctx context.Context, kind string) ([]store.CustomSyncValue, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.CustomSyncValue
	for _, v := range r.db.custom {
		if v.Kind == kind && v.Active {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
