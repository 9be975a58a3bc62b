package syncer

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calsync/internal/calendar"
	"gitea.jw6.us/james/calsync/internal/changes"
	"gitea.jw6.us/james/calsync/internal/delta"
	"gitea.jw6.us/james/calsync/internal/links"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/remote/remotetest"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/store/storetest"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	st   *store.Store
	fake *remotetest.Server
	cal   *calendar.Service
	queue *push.Queue
	orch  *Orchestrator
}

func newHarness(t *testing.T, enabled bool, handler remotetest.HandlerFunc) *harness {
	t.Helper()
	st, _ := storetest.New()
	fake := remotetest.New(t, handler)
	factory := fake.Factory(st.Users)
	queue := push.New(st, factory)
	lm := links.New(st, queue)
	tracker := changes.New(st, lm, changes.NewRegistry(calendar.NewEntity(st)))
	cal := calendar.NewService(st, factory, tracker, lm).WithClock(func() time.Time { return now })
	cal.RegisterHooks(queue)
	puller := delta.NewPuller(st, time.Hour)
	puller.Register(calendar.PullDomain, cal)
	orch := New(st, puller, tracker, queue, cal, enabled).WithClock(func() time.Time { return now })
	return &harness{st: st, fake: fake, cal: cal, queue: queue, orch: orch}
}

// user creates a remote user with a selected calendar.
func (h *harness) user(t *testing.T, started bool) *store.RemoteUser {
	t.Helper()
	ctx := context.Background()
	partner, err := h.st.Records.Create(ctx, store.Record{
		Ref:    store.RecordRef{Kind: calendar.PartnerKind},
		Fields: store.Fields{calendar.FieldPartnerName: "Ann", calendar.FieldPartnerEmail: "ann@example.com"},
	})
	require.NoError(t, err)
	user, err := h.st.Users.Create(ctx, store.RemoteUser{
		PartnerID:             partner.Ref.ID,
		Email:                 "ann@example.com",
		Category:              "CalSync",
		IgnoreWithoutCategory: true,
		SyncStarted:           started,
	})
	require.NoError(t, err)
	cal, err := h.st.Calendars.Create(ctx, store.RemoteCalendar{UserID: user.ID, UID: "CAL1", Name: "Calendar"})
	require.NoError(t, err)
	require.NoError(t, h.st.Users.SetCalendar(ctx, user.ID, &cal.ID))
	user, err = h.st.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	return user
}

func isView(c remotetest.Call) bool {
	return strings.Contains(c.Path, "/calendarview")
}

func emptyDelta() map[string]any {
	return map[string]any{"value": []any{}, "@odata.deltaLink": "https://remote.example/calendarview?$deltatoken=t1"}
}

func TestSyncNowPreconditions(t *testing.T) {
	ctx := context.Background()

	disabled := newHarness(t, false, nil)
	res, err := disabled.orch.SyncNow(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusNotAllowed, res.Status)

	h := newHarness(t, true, nil)
	res, err = h.orch.SyncNow(ctx, 999)
	require.NoError(t, err)
	require.Equal(t, StatusNoUser, res.Status)

	idle := h.user(t, false)
	res, err = h.orch.SyncNow(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSyncNotStarted, res.Status)

	require.NoError(t, h.st.Users.SetSyncStarted(ctx, idle.ID, true))
	require.NoError(t, h.st.Users.SetCalendar(ctx, idle.ID, nil))
	res, err = h.orch.SyncNow(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNoCalendar, res.Status)

	require.NoError(t, h.st.Users.SetAuthFailure(ctx, idle.ID, "revoked"))
	res, err = h.orch.SyncNow(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAuthFailure, res.Status)
	require.Empty(t, h.fake.Calls())
}

func TestSyncNowPullsReconcilesAndPushes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, func(c remotetest.Call) (int, any) {
		switch {
		case isView(c):
			return http.StatusOK, map[string]any{
				"value": []any{map[string]any{
					"Id":                   "E1",
					"iCalUId":              "ical-E1",
					"Type":                 "SingleInstance",
					"Subject":              "Standup",
					"Body":                 map[string]any{"Content": "Agenda"},
					"Start":                map[string]any{"DateTime": "2024-05-10T09:00:00.0000000", "TimeZone": "UTC"},
					"End":                  map[string]any{"DateTime": "2024-05-10T09:15:00.0000000", "TimeZone": "UTC"},
					"Organizer":            map[string]any{"EmailAddress": map[string]any{"Address": "ann@example.com", "Name": "Ann"}},
					"Categories":           []any{"CalSync"},
					"LastModifiedDateTime": "2024-05-01T10:00:00Z",
				}},
				"@odata.deltaLink": "https://remote.example/calendarview?$deltatoken=t1",
			}
		case c.Batched && c.Method == http.MethodPost && c.Path == "calendars/CAL1/events":
			return http.StatusCreated, map[string]any{"Id": "NEW1", "iCalUId": "ical-new"}
		}
		return http.StatusNotFound, nil
	})
	user := h.user(t, true)

	rec, err := h.cal.CreateEvent(ctx, store.Fields{
		calendar.FieldName:     "Planning",
		calendar.FieldStart:    "2024-05-11 09:00:00",
		calendar.FieldStop:     "2024-05-11 10:00:00",
		calendar.FieldPartners: []string{user.PartnerID},
	})
	require.NoError(t, err)

	res, err := h.orch.SyncNow(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 1, res.Pulled)
	require.Equal(t, 1, res.Pushed)
	require.Equal(t, 2, res.UpdateCount)

	link, err := h.st.Links.GetByRecordAndUser(ctx, rec.Ref, user.ID)
	require.NoError(t, err)
	require.Equal(t, "NEW1", link.RemoteID)

	got, err := h.st.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "Last Sync: 2024-05-01 12:00:00 - pulled 1 change(s) from and pushed 1 update(s) to Outlook", got.LastSync)

	pulls, err := h.st.PullQueue.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, pulls)
}

func TestSyncNowClassifiesFailures(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		want    Status
		partial bool
	}{
		{name: "calendar deleted", status: http.StatusNotFound, want: StatusNoCalendar},
		{name: "token rejected", status: http.StatusUnauthorized, want: StatusAuthFailure},
		{name: "server error", status: http.StatusInternalServerError, want: StatusSuccess, partial: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, true, func(c remotetest.Call) (int, any) {
				if c.Path == "calendargroups" {
					return http.StatusOK, map[string]any{"value": []any{}}
				}
				return tc.status, map[string]any{"error": map[string]any{"code": "x"}}
			})
			user := h.user(t, true)

			res, err := h.orch.SyncNow(ctx, user.ID)
			require.Equal(t, tc.want, res.Status)
			require.NotEmpty(t, res.Error)

			got, gerr := h.st.Users.GetByID(ctx, user.ID)
			require.NoError(t, gerr)
			if tc.partial {
				require.NoError(t, err)
				require.NotEmpty(t, got.LastSync)
			} else {
				require.Error(t, err)
				require.Empty(t, got.LastSync)
			}

			pulls, err := h.st.PullQueue.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, pulls, 1)
			require.Equal(t, store.PullFailed, pulls[0].Status)
		})
	}
}

func TestSyncNowPushesWhenPullFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, func(c remotetest.Call) (int, any) {
		switch {
		case isView(c):
			return http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": "ServiceUnavailable"}}
		case c.Batched && c.Method == http.MethodPatch && c.Path == "events/E1":
			return http.StatusOK, map[string]any{"Id": "E1"}
		}
		return http.StatusNotFound, nil
	})
	user := h.user(t, true)
	_, err := h.queue.Enqueue(ctx, push.Item{
		UserID:   user.ID,
		Method:   store.MethodPatch,
		Domain:   "events/%s",
		TargetID: "E1",
		Payload:  map[string]any{"Subject": "Moved"},
	})
	require.NoError(t, err)

	res, err := h.orch.SyncNow(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Zero(t, res.Pulled)
	require.Equal(t, 1, res.Pushed)
	require.Equal(t, 1, res.UpdateCount)
	require.Contains(t, res.Error, "pull")
	require.Equal(t, 1, h.fake.Batches())

	items, err := h.st.PushQueue.ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, items)

	pulls, err := h.st.PullQueue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, pulls, 1)
	require.Equal(t, store.PullFailed, pulls[0].Status)
}

func TestStartValidatesAndRunsFirstSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, func(c remotetest.Call) (int, any) {
		switch {
		case isView(c):
			return http.StatusOK, emptyDelta()
		case c.Path == "calendars/CAL1":
			return http.StatusOK, map[string]any{"Id": "CAL1", "Name": "Calendar"}
		}
		return http.StatusNotFound, nil
	})
	user := h.user(t, false)
	require.NoError(t, h.st.Users.SetLastError(ctx, user.ID, "old problem"))

	res, err := h.orch.Start(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	got, err := h.st.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, got.SyncStarted)
	require.Empty(t, got.LastError)
	require.NotEmpty(t, got.LastSync)

	require.NoError(t, h.orch.Stop(ctx, user.ID))
	got, err = h.st.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, got.SyncStarted)
}

func TestStartRejectsMissingCategory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, nil)
	user := h.user(t, false)
	require.NoError(t, h.st.Users.UpdateSettings(ctx, user.ID, " ", true))

	_, err := h.orch.Start(ctx, user.ID)
	var verr *calendar.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "No category defined", verr.Title)

	got, err := h.st.Users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, got.SyncStarted)

	_, err = h.orch.Start(ctx, 4242)
	require.ErrorIs(t, err, ErrUserNotFound)
}
