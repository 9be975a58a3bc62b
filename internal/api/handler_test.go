package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calsync/internal/calendar"
	"gitea.jw6.us/james/calsync/internal/changes"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/delta"
	"gitea.jw6.us/james/calsync/internal/links"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/remote/remotetest"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/store/storetest"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

const apiToken = "test-token"

type testAPI struct {
	st     *store.Store
	db     *storetest.DB
	router http.Handler
}

func newTestAPI(t *testing.T, handler remotetest.HandlerFunc) *testAPI {
	t.Helper()
	cfg := &config.Config{BaseURL: "https://sync.example", APIToken: apiToken}
	cfg.Sync.DefaultCategory = "CalSync"

	st, db := storetest.New()
	fake := remotetest.New(t, handler)
	factory := fake.Factory(st.Users)
	queue := push.New(st, factory)
	lm := links.New(st, queue)
	tracker := changes.New(st, lm, changes.NewRegistry(calendar.NewEntity(st)))
	cal := calendar.NewService(st, factory, tracker, lm)
	cal.RegisterHooks(queue)
	puller := delta.NewPuller(st, time.Hour)
	puller.Register(calendar.PullDomain, cal)
	orch := syncer.New(st, puller, tracker, queue, cal, true)

	r := chi.NewRouter()
	r.Route("/api", NewHandler(cfg, st, cal, orch).Routes)
	return &testAPI{st: st, db: db, router: r}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+apiToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// connectedUser creates a partner and its remote user through the API.
func (a *testAPI) connectedUser(t *testing.T, name, email string) userView {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/partners", map[string]any{"name": name, "email": email})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	partner := decodeBody[map[string]string](t, rec)

	rec = a.do(t, http.MethodPost, "/api/users", map[string]any{"partner_id": partner["id"]})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[userView](t, rec)
}

func calendarsHandler(c remotetest.Call) (int, any) {
	switch c.Path {
	case "calendargroups":
		return http.StatusOK, map[string]any{"value": []any{map[string]any{"Id": "G1", "Name": "Mine"}}}
	case "calendargroups/G1/calendars":
		return http.StatusOK, map[string]any{"value": []any{
			map[string]any{"Id": "C1", "Name": "Calendar"},
			map[string]any{"Id": "C2", "Name": "Birthdays"},
		}}
	}
	return http.StatusNotFound, nil
}

func TestRequireToken(t *testing.T) {
	a := newTestAPI(t, nil)

	for _, header := range []string{"", "Bearer wrong", "Basic " + apiToken} {
		req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader("{}"))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestCreateUser(t *testing.T) {
	a := newTestAPI(t, nil)

	user := a.connectedUser(t, "Ann", "ann@example.com")
	require.NotZero(t, user.ID)
	require.Equal(t, "CalSync", user.Category)
	require.True(t, user.IgnoreWithoutCategory)
	require.False(t, user.Connected)
	require.Equal(t, fmt.Sprintf("https://sync.example/auth/login?user=%d", user.ID), user.LoginURL)

	rec := a.do(t, http.MethodPost, "/api/users", map[string]any{"partner_id": user.PartnerID})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/users", map[string]any{"partner_id": "missing"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/users", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/users", map[string]any{"partner_id": "x", "unknown": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/partners", map[string]any{"name": "Bob", "email": "not-an-address"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUserSettingsAndCalendarSelection(t *testing.T) {
	a := newTestAPI(t, calendarsHandler)
	user := a.connectedUser(t, "Ann", "ann@example.com")
	base := fmt.Sprintf("/api/users/%d", user.ID)

	rec := a.do(t, http.MethodPut, base+"/settings", map[string]any{"category": " Work ", "ignore_without_category": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[userView](t, rec)
	require.Equal(t, "Work", updated.Category)
	require.False(t, updated.IgnoreWithoutCategory)

	rec = a.do(t, http.MethodGet, base+"/calendars", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cals := decodeBody[[]calendarView](t, rec)
	require.Len(t, cals, 2)
	require.Equal(t, "Calendar", cals[0].Name)
	require.False(t, cals[0].Selected)

	rec = a.do(t, http.MethodPut, base+"/calendar", map[string]any{"calendar_id": cals[0].ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	selected := decodeBody[userView](t, rec)
	require.NotNil(t, selected.CalendarID)
	require.Equal(t, cals[0].ID, *selected.CalendarID)

	rec = a.do(t, http.MethodPut, base+"/calendar", map[string]any{"calendar_id": 9999})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/users/9999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/users/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncReportsStatus(t *testing.T) {
	a := newTestAPI(t, nil)
	user := a.connectedUser(t, "Ann", "ann@example.com")

	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/sync", user.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[map[string]any](t, rec)
	require.Equal(t, string(syncer.StatusSyncNotStarted), res["status"])
	require.EqualValues(t, 0, res["update_count"])
}

func TestStartReportsValidationError(t *testing.T) {
	a := newTestAPI(t, nil)
	user := a.connectedUser(t, "Ann", "ann@example.com")

	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/start", user.ID), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	require.Equal(t, "No calendar selected", body["error"])
}

func TestEventLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t, calendarsHandler)
	user := a.connectedUser(t, "Ann", "ann@example.com")
	base := fmt.Sprintf("/api/users/%d", user.ID)
	rec := a.do(t, http.MethodGet, base+"/calendars", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cals := decodeBody[[]calendarView](t, rec)
	rec = a.do(t, http.MethodPut, base+"/calendar", map[string]any{"calendar_id": cals[0].ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/events", map[string]any{
		"name":        "Planning",
		"start":       "2024-05-10T09:00:00+02:00",
		"stop":        "2024-05-10 06:00:00",
		"partner_ids": []string{user.PartnerID},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/api/events", map[string]any{
		"name":        "Planning",
		"start":       "2024-05-10T09:00:00+02:00",
		"stop":        "2024-05-10 10:00:00",
		"partner_ids": []string{user.PartnerID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[map[string]any](t, rec)
	id := created["id"].(string)
	require.Equal(t, "2024-05-10 07:00:00", created["fields"].(map[string]any)[calendar.FieldStart])

	var posts int
	for _, item := range a.db.PushItems() {
		if item.Status.Pending() && item.Method == store.MethodPost {
			posts++
		}
	}
	require.Equal(t, 1, posts)

	rec = a.do(t, http.MethodPatch, "/api/events/"+id, map[string]any{"name": "Planning v2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := a.st.Records.Get(ctx, store.RecordRef{Kind: calendar.EventKind, ID: id})
	require.NoError(t, err)
	require.Equal(t, "Planning v2", got.Fields.String(calendar.FieldName))

	rec = a.do(t, http.MethodPatch, "/api/events/"+id, map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(t, http.MethodPatch, "/api/events/missing", map[string]any{"name": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/events/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, http.MethodDelete, "/api/events/"+id, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUserRemovesImportedEvents(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t, calendarsHandler)
	user := a.connectedUser(t, "Ann", "ann@example.com")
	base := fmt.Sprintf("/api/users/%d", user.ID)
	require.NoError(t, a.st.Users.UpdateTokens(ctx, user.ID, store.TokenSet{}, "ann@example.com"))
	rec := a.do(t, http.MethodGet, base+"/calendars", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	imported, err := a.st.Records.Create(ctx, store.Record{
		Ref: store.RecordRef{Kind: calendar.EventKind},
		Fields: store.Fields{
			calendar.FieldName:       "Imported",
			calendar.FieldFromRemote: true,
			calendar.FieldOwnerEmail: "ann@example.com",
		},
	})
	require.NoError(t, err)
	_, err = a.st.Links.Create(ctx, store.RecordLink{
		UserID:       user.ID,
		Record:       imported.Ref,
		RemoteID:     "R1",
		CreateDomain: "calendars/C1/events",
		Direction:    store.DirectionRemoteToLocal,
	})
	require.NoError(t, err)

	rec = a.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	_, err = a.st.Users.GetByID(ctx, user.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = a.st.Records.Get(ctx, imported.Ref)
	require.ErrorIs(t, err, store.ErrNotFound)
}
