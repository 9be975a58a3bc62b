package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func withRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) body {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var b body
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return b
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := withRequestID(httptest.NewRequest(http.MethodGet, "/", nil), "req-1")

	InternalError(rec, req, errors.New("password=hunter2"), "query failed")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	b := decode(t, rec)
	if b.Error != "internal server error" || b.RequestID != "req-1" {
		t.Fatalf("body = %+v", b)
	}
}

func TestBadRequestErrorUsesClientMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequestError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("strconv: bad"), "invalid user")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if b := decode(t, rec); b.Error != "invalid user" || b.RequestID != "" {
		t.Fatalf("body = %+v", b)
	}
}

func TestTooManyRequestsSetsRetryAfter(t *testing.T) {
	testCases := []struct {
		wait time.Duration
		want string
	}{
		{wait: 0, want: "1"},
		{wait: 200 * time.Millisecond, want: "1"},
		{wait: 2600 * time.Millisecond, want: "3"},
	}
	for _, tc := range testCases {
		rec := httptest.NewRecorder()
		TooManyRequests(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.wait)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != tc.want {
			t.Fatalf("wait %s: Retry-After = %q, want %q", tc.wait, got, tc.want)
		}
	}
}

func TestWriteDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDetail(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusUnprocessableEntity, "No calendar selected", "Pick one.")
	b := decode(t, rec)
	if rec.Code != http.StatusUnprocessableEntity || b.Error != "No calendar selected" || b.Detail != "Pick one." {
		t.Fatalf("got %d %+v", rec.Code, b)
	}
}
