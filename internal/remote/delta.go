package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// DeltaPrefer is sent with every delta request.
const DeltaPrefer = `odata.track-changes, odata.maxpagesize=200, outlook.body-content-type="text"`

var (
	deltaTokenPattern = regexp.MustCompile(`(?i)deltatoken=([^&]+)`)
	stripTokenPattern = regexp.MustCompile(`(?i)&?(%24|\$)?deltatoken=[^&]*`)
)

// DeltaResult is the fully paginated answer of a delta query.
type DeltaResult struct {
	Values     []json.RawMessage
	DeltaLink  string
	DeltaToken string
}

type deltaPage struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// FetchDelta follows nextLink pages until a deltaLink arrives. When the
// server reports the cursor gone (410) and path carries a delta token, the
// query is retried once without it.
func (c *Client) FetchDelta(ctx context.Context, path string) (*DeltaResult, error) {
	res, err := c.fetchDelta(ctx, path)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && re.CursorGone() && ExtractDeltaToken(path) != "" {
			return c.fetchDelta(ctx, StripDeltaToken(path))
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) fetchDelta(ctx context.Context, path string) (*DeltaResult, error) {
	headers := map[string]string{"Prefer": DeltaPrefer}
	res := &DeltaResult{}
	next := path
	for next != "" {
		resp, err := c.Execute(ctx, http.MethodGet, next, nil, headers)
		if err != nil {
			return nil, err
		}
		var page deltaPage
		if err := resp.Decode(&page); err != nil {
			return nil, err
		}
		res.Values = append(res.Values, page.Value...)
		if page.DeltaLink != "" {
			res.DeltaLink = page.DeltaLink
			res.DeltaToken = ExtractDeltaToken(page.DeltaLink)
			return res, nil
		}
		if page.NextLink == next {
			return nil, fmt.Errorf("delta pagination loops on %s", next)
		}
		next = page.NextLink
	}
	return nil, errors.New("delta response ended without deltaLink")
}

// ExtractDeltaToken returns the deltatoken query value up to the next '&'.
func ExtractDeltaToken(link string) string {
	m := deltaTokenPattern.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return m[1]
}

// StripDeltaToken removes the first deltatoken parameter from a URL.
func StripDeltaToken(link string) string {
	loc := stripTokenPattern.FindStringIndex(link)
	if loc == nil {
		return link
	}
	return link[:loc[0]] + link[loc[1]:]
}
