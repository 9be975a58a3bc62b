// Package remotetest runs a fake remote calendar API for tests.
package remotetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Call is one request seen by the fake, batch parts included.
type Call struct {
	Method string
	// Path is relative to the API root and keeps the raw query.
	Path    string
	Body    []byte
	Batched bool
}

// JSON decodes the call body into a map.
func (c Call) JSON() map[string]any {
	var out map[string]any
	_ = json.Unmarshal(c.Body, &out)
	return out
}

// HandlerFunc answers a call with a status and a JSON-encodable body.
type HandlerFunc func(call Call) (int, any)

// Server is an httptest server speaking the remote API's batch dialect.
type Server struct {
	srv     *httptest.Server
	handler HandlerFunc

	mu      sync.Mutex
	calls   []Call
	batches int
}

const apiPrefix = "/api/"

var requestLine = regexp.MustCompile(`^(GET|POST|PATCH|DELETE) (\S+) HTTP/1\.1$`)

// New starts a fake server that is closed with the test.
func New(t testing.TB, handler HandlerFunc) *Server {
	t.Helper()
	s := &Server{handler: handler}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// BaseURL returns the API root.
func (s *Server) BaseURL() string { return s.srv.URL + apiPrefix }

// Factory returns a client factory pointed at the fake without a token
// provider.
func (s *Server) Factory(users store.RemoteUserRepository) *remote.Factory {
	return remote.NewFactory(remote.Config{
		BaseURL: s.BaseURL(),
		Timeout: 5 * time.Second,
		Rate:    1000,
		Burst:   1000,
	}, nil, users)
}

// Calls returns every call handled so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Batches returns how many $batch requests were received.
func (s *Server) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func (s *Server) record(c Call) (int, any) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	if s.handler == nil {
		return http.StatusOK, map[string]any{}
	}
	return s.handler(c)
}

func (s *Server) relative(raw string) string {
	raw = strings.TrimPrefix(raw, s.srv.URL)
	return strings.TrimPrefix(raw, apiPrefix)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := s.relative(r.URL.RequestURI())
	if path == "$batch" && r.Method == http.MethodPost {
		s.serveBatch(w, r, body)
		return
	}
	status, payload := s.record(Call{Method: r.Method, Path: path, Body: body})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) serveBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		http.Error(w, "missing boundary", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()

	var out bytes.Buffer
	for _, part := range strings.Split(string(body), "--"+params["boundary"]) {
		var call Call
		lines := strings.Split(part, "\n")
		for i, line := range lines {
			m := requestLine.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			call = Call{Method: m[1], Path: s.relative(m[2]), Batched: true}
			hasJSON := false
			j := i + 1
			for ; j < len(lines) && lines[j] != ""; j++ {
				if lines[j] == "Content-Type: application/json" {
					hasJSON = true
				}
			}
			if hasJSON && j < len(lines) {
				call.Body = []byte(strings.TrimSpace(strings.Join(lines[j+1:], "\n")))
			}
			break
		}
		if call.Method == "" {
			continue
		}
		status, payload := s.record(call)
		data := []byte("")
		if payload != nil {
			data, _ = json.Marshal(payload)
		}
		out.WriteString("--batchresponse_fake\r\n")
		out.WriteString("Content-Type: application/http\r\nContent-Transfer-Encoding: binary\r\n\r\n")
		fmt.Fprintf(&out, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
		out.WriteString("Content-Type: application/json\r\n\r\n")
		out.Write(data)
		out.WriteString("\r\n")
	}
	out.WriteString("--batchresponse_fake--\r\n")
	w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresponse_fake")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}
