package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/remote/remotetest"
	"gitea.jw6.us/james/calsync/internal/store"
)

func TestBatchSplitsIntoGroupsAndKeepsOrder(t *testing.T) {
	fake := remotetest.New(t, func(c remotetest.Call) (int, any) {
		return http.StatusOK, map[string]any{"Path": c.Path, "Method": c.Method}
	})
	client := fake.Factory(nil).ForUser(&store.RemoteUser{ID: 1})

	var requests []remote.Request
	for i := 0; i < 45; i++ {
		requests = append(requests, remote.Request{Method: http.MethodPatch, Path: fmt.Sprintf("events/E%d", i), Body: json.RawMessage(`{"Subject":"x"}`)})
	}

	responses, err := client.Batch(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, responses, 45)
	require.Equal(t, 3, fake.Batches())

	for i, resp := range responses {
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]string
		require.NoError(t, resp.Decode(&body))
		require.Equal(t, fmt.Sprintf("events/E%d", i), body["Path"])
	}

	calls := fake.Calls()
	require.Len(t, calls, 45)
	require.True(t, calls[0].Batched)
	require.JSONEq(t, `{"Subject":"x"}`, string(calls[0].Body))
}

func TestBatchPartStatusesAreIndependent(t *testing.T) {
	fake := remotetest.New(t, func(c remotetest.Call) (int, any) {
		switch c.Path {
		case "events/missing":
			return http.StatusNotFound, map[string]any{"error": map[string]any{"code": "ErrorItemNotFound"}}
		case "events":
			return http.StatusCreated, map[string]any{"Id": "NEW1"}
		}
		return http.StatusNoContent, nil
	})
	client := fake.Factory(nil).ForUser(&store.RemoteUser{ID: 1})

	responses, err := client.Batch(context.Background(), []remote.Request{
		{Method: http.MethodPost, Path: "events", Body: json.RawMessage(`{"Subject":"a"}`)},
		{Method: http.MethodDelete, Path: "events/missing"},
		{Method: http.MethodDelete, Path: "events/gone", Body: json.RawMessage("null")},
	})
	require.NoError(t, err)
	require.Len(t, responses, 3)

	require.NoError(t, responses[0].Err())
	var created struct{ Id string }
	require.NoError(t, responses[0].Decode(&created))
	require.Equal(t, "NEW1", created.Id)

	require.True(t, remote.IsKind(responses[1].Err(), remote.KindNotFound))
	require.Equal(t, http.StatusNoContent, responses[2].StatusCode)
	require.Empty(t, fake.Calls()[2].Body)
}

func TestBatchCountMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresponse_1")
		_, _ = w.Write([]byte(strings.Join([]string{
			"--batchresponse_1",
			"Content-Type: application/http",
			"Content-Transfer-Encoding: binary",
			"",
			"HTTP/1.1 204 No Content",
			"",
			"",
			"--batchresponse_1--",
			"",
		}, "\r\n")))
	}))
	defer srv.Close()

	client := remote.NewFactory(remote.Config{BaseURL: srv.URL}, nil, nil).ForUser(&store.RemoteUser{ID: 1})
	responses, err := client.Batch(context.Background(), []remote.Request{
		{Method: http.MethodDelete, Path: "events/a"},
		{Method: http.MethodDelete, Path: "events/b"},
	})
	require.True(t, errors.Is(err, remote.ErrBatchMismatch))
	require.Empty(t, responses)
}

func TestBatchReturnsCompletedGroupsOnFailure(t *testing.T) {
	calls := 0
	fake := remotetest.New(t, func(c remotetest.Call) (int, any) { return http.StatusNoContent, nil })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		// Forward the first group to the fake.
		req, _ := http.NewRequest(r.Method, fake.BaseURL()+"$batch", r.Body)
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		_, _ = io.Copy(w, resp.Body)
	}))
	defer srv.Close()

	client := remote.NewFactory(remote.Config{BaseURL: srv.URL}, nil, nil).ForUser(&store.RemoteUser{ID: 1})
	var requests []remote.Request
	for i := 0; i < 25; i++ {
		requests = append(requests, remote.Request{Method: http.MethodDelete, Path: fmt.Sprintf("events/%d", i)})
	}
	responses, err := client.Batch(context.Background(), requests)
	require.True(t, remote.IsKind(err, remote.KindServerError))
	require.Len(t, responses, remote.MaxBatchSize)
}
