package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MaxBatchSize is the largest number of parts the remote accepts in one
// $batch call.
const MaxBatchSize = 20

// Request is one part of a batch call.
type Request struct {
	Method string
	// Path is resolved against the API root unless it is absolute.
	Path    string
	Body    json.RawMessage
	Headers map[string]string
}

// Batch sends requests in groups of MaxBatchSize and returns one response per
// request, in request order. When a group fails, the responses of the groups
// that completed before it are returned together with the error.
func (c *Client) Batch(ctx context.Context, requests []Request) ([]Response, error) {
	out := make([]Response, 0, len(requests))
	for start := 0; start < len(requests); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(requests))
		responses, err := c.batchGroup(ctx, requests[start:end])
		if err != nil {
			return out, err
		}
		out = append(out, responses...)
	}
	return out, nil
}

func (c *Client) batchGroup(ctx context.Context, group []Request) ([]Response, error) {
	boundary := "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	body := encodeBatch(c, boundary, group)
	headers := map[string]string{
		"Prefer": "odata.continue-on-error",
	}
	resp, err := c.do(ctx, http.MethodPost, c.URL("$batch"), body, "multipart/mixed; charset=utf-8; boundary="+boundary, headers)
	if err != nil {
		return nil, err
	}
	responses, err := decodeBatch(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(responses) != len(group) {
		return nil, fmt.Errorf("%w: sent %d, received %d", ErrBatchMismatch, len(group), len(responses))
	}
	return responses, nil
}

func encodeBatch(c *Client, boundary string, group []Request) []byte {
	var buf bytes.Buffer
	for _, req := range group {
		buf.WriteString("--" + boundary + "\n")
		buf.WriteString("Content-Type: application/http\nContent-Transfer-Encoding: binary\n\n")
		fmt.Fprintf(&buf, "%s %s HTTP/1.1\n", req.Method, c.URL(req.Path))
		keys := make([]string, 0, len(req.Headers))
		for k := range req.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, "%s: %s\n", k, req.Headers[k])
		}
		if hasBody(req.Body) {
			buf.WriteString("Content-Type: application/json\n\n")
			buf.Write(req.Body)
		} else {
			buf.WriteString("\n")
		}
		buf.WriteString("\n\n")
	}
	// The trailing newlines are required; the remote rejects the body otherwise.
	buf.WriteString("--" + boundary + "--\n\n\n")
	return buf.Bytes()
}

func hasBody(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

// decodeBatch splits a multipart batch answer on its first line, which is
// the delimiter the remote chose, and parses the embedded HTTP responses.
func decodeBatch(body []byte) ([]Response, error) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	text = strings.TrimLeft(text, "\n")
	delim, _, ok := strings.Cut(text, "\n")
	delim = strings.TrimSpace(delim)
	if !ok || !strings.HasPrefix(delim, "--") {
		return nil, fmt.Errorf("%w: missing multipart delimiter", ErrBatchMismatch)
	}

	var out []Response
	for _, part := range strings.Split(text, delim)[1:] {
		if strings.HasPrefix(part, "--") {
			break
		}
		resp, err := parsePart(part)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func parsePart(part string) (Response, error) {
	lines := strings.Split(part, "\n")
	idx := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "HTTP/1.1 ") {
			idx = i
			break
		}
	}
	if idx < 0 || len(lines[idx]) < 12 {
		return Response{}, fmt.Errorf("batch part without status line")
	}
	status, err := strconv.Atoi(lines[idx][9:12])
	if err != nil {
		return Response{}, fmt.Errorf("batch part status: %w", err)
	}

	resp := Response{StatusCode: status, Header: http.Header{}}
	i := idx + 1
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			resp.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	if i < len(lines) {
		resp.Body = []byte(strings.TrimSpace(strings.Join(lines[i:], "\n")))
	}
	return resp, nil
}
