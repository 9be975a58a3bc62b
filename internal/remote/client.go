package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
)

// DefaultBaseURL is the Outlook REST endpoint for the signed-in user.
const DefaultBaseURL = "https://outlook.office.com/api/v2.0/me/"

// Config controls outbound traffic to the remote API.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Rate is the sustained number of requests per second per user.
	Rate  float64
	Burst int
}

// Factory hands out per-user clients. Clients for the same user share one
// rate limiter so that concurrent jobs stay within the user's budget.
type Factory struct {
	cfg      Config
	http     *http.Client
	provider TokenProvider
	users    store.RemoteUserRepository

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewFactory builds a Factory. users may be nil, in which case refreshed
// tokens and authentication failures are not persisted.
func NewFactory(cfg Config, provider TokenProvider, users store.RemoteUserRepository) *Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Factory{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		provider: provider,
		users:    users,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// WithHTTPClient replaces the HTTP client used by subsequently created clients.
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.http = c
	return f
}

// BaseURL returns the normalized API root.
func (f *Factory) BaseURL() string { return f.cfg.BaseURL }

func (f *Factory) limiter(userID int64) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.Rate), f.cfg.Burst)
		f.limiters[userID] = l
	}
	return l
}

// ForUser returns a client acting with the user's tokens.
func (f *Factory) ForUser(user *store.RemoteUser) *Client {
	return &Client{
		baseURL:  f.cfg.BaseURL,
		http:     f.http,
		limiter:  f.limiter(user.ID),
		userID:   user.ID,
		tokens:   user.Tokens,
		provider: f.provider,
		users:    f.users,
	}
}

// Client talks to the remote API on behalf of one user.
type Client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	userID   int64
	provider TokenProvider
	users    store.RemoteUserRepository

	mu     sync.Mutex
	tokens store.TokenSet
}

// Response is a decoded HTTP answer from the remote API.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Err maps the status code to nil or a typed *Error.
func (r *Response) Err() error {
	return CheckStatus(r.StatusCode, r.Body)
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode remote response: %w", err)
	}
	return nil
}

// UserID returns the id of the user the client acts for.
func (c *Client) UserID() int64 { return c.userID }

// Tokens returns the current token set, including any refreshed tokens.
func (c *Client) Tokens() store.TokenSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// URL resolves path against the API root. Absolute URLs are returned as is.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + strings.TrimPrefix(path, "/")
}

// Execute performs one request. On a non-success status the response is
// returned together with the typed error.
func (c *Client) Execute(ctx context.Context, method, path string, body any, headers map[string]string) (*Response, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, c.URL(path), data, "application/json", headers)
}

// GetJSON performs a GET and decodes the answer into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Execute(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// EnsureToken refreshes the access token when needed and reports failures
// without issuing an API call.
func (c *Client) EnsureToken(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string, headers map[string]string) (*Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRemoteRequest(method, 0, start)
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	metrics.ObserveRemoteRequest(method, resp.StatusCode, start)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if err := out.Err(); err != nil {
		c.ReportError(ctx, err)
		return out, err
	}
	return out, nil
}

// ReportError flags the user's credentials when err is an authentication or
// scope failure.
func (c *Client) ReportError(ctx context.Context, err error) {
	if !IsAuthFailure(err) || c.users == nil {
		return
	}
	log.Printf("[WARN] remote user %d: authentication failure: %v", c.userID, err)
	if serr := c.users.SetAuthFailure(ctx, c.userID, err.Error()); serr != nil {
		log.Printf("[ERROR] remote user %d: failed to record authentication failure: %v", c.userID, serr)
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.provider == nil || c.provider.Valid(c.tokens.AccessToken) {
		return c.tokens.AccessToken, nil
	}
	if c.tokens.RefreshToken == "" {
		// Without a refresh token the request goes out as is and the remote
		// side answers 401.
		return c.tokens.AccessToken, nil
	}

	tokens, err := c.provider.Refresh(ctx, c.tokens.RefreshToken)
	if err != nil {
		if IsRecoverable(err) {
			return "", err
		}
		authErr := &Error{Kind: KindAuthenticationFailed, StatusCode: http.StatusUnauthorized, Err: err}
		c.ReportError(ctx, authErr)
		return "", authErr
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = c.tokens.RefreshToken
	}
	if tokens.IDToken == "" {
		tokens.IDToken = c.tokens.IDToken
	}
	c.tokens = tokens
	if c.users != nil {
		if err := c.users.UpdateTokens(ctx, c.userID, tokens, ""); err != nil {
			log.Printf("[WARN] remote user %d: failed to persist refreshed tokens: %v", c.userID, err)
		}
	}
	return tokens.AccessToken, nil
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode remote payload: %w", err)
	}
	return data, nil
}
