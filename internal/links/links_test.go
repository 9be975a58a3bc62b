package links

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calsync/internal/payload"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/store/storetest"
)

var eventRef = store.RecordRef{Kind: "calendar.event", ID: "7"}

func setup(t *testing.T) (*Manager, *store.Store, *storetest.DB, int64) {
	t.Helper()
	st, db := storetest.New()
	user, err := st.Users.Create(context.Background(), store.RemoteUser{PartnerID: "p1"})
	require.NoError(t, err)
	return New(st, push.New(st, nil)), st, db, user.ID
}

func pending(db *storetest.DB) []store.PushQueueItem {
	var out []store.PushQueueItem
	for _, item := range db.PushItems() {
		if item.Status.Pending() {
			out = append(out, item)
		}
	}
	return out
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, st, db, userID := setup(t)

	params := CreateParams{
		UserID:       userID,
		Record:       eventRef,
		DataDomain:   "events/%s",
		CreateDomain: "calendars/C1/events",
		Payload:      payload.Template{"Subject": "Standup"},
	}
	first, err := m.Create(ctx, params)
	require.NoError(t, err)
	require.Equal(t, store.DirectionBoth, first.Direction)

	params.RemoteID = "AAMk1"
	params.Direction = store.DirectionRemoteToLocal
	second, err := m.Create(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	all, err := st.Links.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "AAMk1", all[0].RemoteID)
	require.Equal(t, store.DirectionRemoteToLocal, all[0].Direction)

	items := pending(db)
	require.Len(t, items, 1, "second create must not queue another POST")
	require.Equal(t, store.MethodPost, items[0].Method)
	require.Equal(t, "calendars/C1/events", items[0].Domain)
	require.Equal(t, "Standup", decode(t, items[0].Payload)["Subject"])
}

func TestCreateWithRemoteIDQueuesPatch(t *testing.T) {
	ctx := context.Background()
	m, _, db, userID := setup(t)

	_, err := m.Create(ctx, CreateParams{
		UserID:     userID,
		Record:     eventRef,
		RemoteID:   "AAMk1",
		DataDomain: "events/%s",
		Payload:    payload.Template{"Categories": []any{"CalSync"}},
	})
	require.NoError(t, err)

	items := pending(db)
	require.Len(t, items, 1)
	require.Equal(t, store.MethodPatch, items[0].Method)
	require.Equal(t, "AAMk1", items[0].TargetID)
}

func TestPatchMergesIntoQueuedItem(t *testing.T) {
	ctx := context.Background()
	m, _, db, userID := setup(t)

	link, err := m.Create(ctx, CreateParams{
		UserID:       userID,
		Record:       eventRef,
		CreateDomain: "calendars/C1/events",
		DataDomain:   "events/%s",
		Payload:      payload.Template{"Subject": "a", "Categories": []any{"CalSync"}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Patch(ctx, link, payload.Template{"Subject": "b", "Categories": []any{"Blue"}}))

	items := pending(db)
	require.Len(t, items, 1)
	require.Equal(t, store.MethodPost, items[0].Method)
	body := decode(t, items[0].Payload)
	require.Equal(t, "b", body["Subject"])
	require.ElementsMatch(t, []any{"CalSync", "Blue"}, body["Categories"])
}

func TestPatchIgnoredForInboundDirections(t *testing.T) {
	ctx := context.Background()
	m, _, db, _ := setup(t)

	for _, dir := range []store.SyncDirection{store.DirectionNone, store.DirectionRemoteToLocal} {
		link := &store.RecordLink{ID: 99, UserID: 1, RemoteID: "R", DataDomain: "events/%s", Direction: dir}
		require.NoError(t, m.Patch(ctx, link, payload.Template{"Subject": "x"}))
	}
	require.Empty(t, pending(db))
}

func TestDeleteAfterPatchSendsOnlyDelete(t *testing.T) {
	ctx := context.Background()
	m, _, db, userID := setup(t)

	link, err := m.Create(ctx, CreateParams{UserID: userID, Record: eventRef, RemoteID: "AAMk1", DataDomain: "events/%s"})
	require.NoError(t, err)
	require.NoError(t, m.Patch(ctx, link, payload.Template{"Subject": "x"}))
	require.Len(t, pending(db), 1)

	require.NoError(t, m.Delete(ctx, link))
	items := pending(db)
	require.Len(t, items, 1)
	require.Equal(t, store.MethodDelete, items[0].Method)

	// A later patch is swallowed by the queued delete.
	require.NoError(t, m.Patch(ctx, link, payload.Template{"Subject": "y"}))
	items = pending(db)
	require.Len(t, items, 1)
	require.Equal(t, store.MethodDelete, items[0].Method)
}

func TestDeleteRemoteToLocalOnlyForgetsLink(t *testing.T) {
	ctx := context.Background()
	m, st, db, userID := setup(t)

	link, err := m.Create(ctx, CreateParams{UserID: userID, Record: eventRef, RemoteID: "AAMk1", DataDomain: "events/%s", Direction: store.DirectionRemoteToLocal})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, link))
	require.Empty(t, pending(db))
	_, err = st.Links.GetByID(ctx, link.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteWithoutRemoteIDDropsQueuedPost(t *testing.T) {
	ctx := context.Background()
	m, st, db, userID := setup(t)

	link, err := m.Create(ctx, CreateParams{UserID: userID, Record: eventRef, CreateDomain: "calendars/C1/events", DataDomain: "events/%s", Payload: payload.Template{"Subject": "x"}})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, link))
	require.Empty(t, pending(db))
	_, err = st.Links.GetByID(ctx, link.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteCascadesToChildLinks(t *testing.T) {
	ctx := context.Background()
	m, st, db, userID := setup(t)

	parent, err := m.Create(ctx, CreateParams{UserID: userID, Record: eventRef, RemoteID: "AAMk1", DataDomain: "events/%s"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateParams{
		UserID:       userID,
		Record:       store.RecordRef{Kind: "attachment", ID: "3"},
		RemoteID:     "ATT1",
		DataDomain:   "events/AAMk1/attachments/%s",
		CreateDomain: "events/AAMk1/attachments",
	})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, parent))

	items := pending(db)
	require.Len(t, items, 1)
	require.Equal(t, "AAMk1", items[0].TargetID)

	remaining, err := st.Links.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, parent.ID, remaining[0].ID, "the parent link goes once the remote delete succeeds")
}

func TestPatchScopeIncludesSyntheticChildren(t *testing.T) {
	ctx := context.Background()
	m, _, db, userID := setup(t)

	for _, id := range []string{"7", "7-20240101", "70"} {
		_, err := m.Create(ctx, CreateParams{UserID: userID, Record: store.RecordRef{Kind: "calendar.event", ID: id}, RemoteID: "R" + id, DataDomain: "events/%s"})
		require.NoError(t, err)
	}

	require.NoError(t, m.PatchScope(ctx, store.LinkScope{Ref: eventRef, IncludeSynthetic: true}, payload.Template{"Subject": "x"}))

	var targets []string
	for _, item := range pending(db) {
		targets = append(targets, item.TargetID)
	}
	require.ElementsMatch(t, []string{"R7", "R7-20240101"}, targets)
}
