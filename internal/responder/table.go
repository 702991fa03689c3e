package responder

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidStatus is returned when a canned response carries a status
// code outside the 100..599 range.
var ErrInvalidStatus = errors.New("invalid status code")

// Response is a canned reply: status, headers and a fixed JSON body.
type Response struct {
	Status  int
	Headers http.Header
	Body    string
}

// Table maps an upper-case HTTP method to its canned response.
// A Table is never mutated after construction.
type Table struct {
	entries map[string]Response
}

// DefaultTable returns the stock origin responses.
func DefaultTable() Table {
	return Table{entries: map[string]Response{
		http.MethodGet: {
			Status:  http.StatusOK,
			Headers: http.Header{"Content-Type": {"application/json"}},
			Body:    `{"result":"hello world"}`,
		},
		http.MethodPut: {
			Status:  http.StatusCreated,
			Headers: http.Header{"Content-Type": {"application/json"}},
			Body:    `{"result":"success"}`,
		},
		http.MethodPost: {
			Status: http.StatusCreated,
			Headers: http.Header{
				"Content-Type": {"application/json"},
				"X-Pp-User":    {"user1"},
			},
			Body: `{"result":"success"}`,
		},
	}}
}

// NewTable builds a table from the given entries. Method names are
// upper-cased, Content-Type defaults to application/json and ETag
// headers are dropped.
func NewTable(entries map[string]Response) (Table, error) {
	t := Table{entries: make(map[string]Response, len(entries))}
	for method, resp := range entries {
		m := strings.ToUpper(strings.TrimSpace(method))
		if m == "" {
			return Table{}, fmt.Errorf("empty method name")
		}
		if resp.Status < 100 || resp.Status > 599 {
			return Table{}, fmt.Errorf("method %s: %w: %d", m, ErrInvalidStatus, resp.Status)
		}
		h := make(http.Header, len(resp.Headers)+1)
		for k, v := range resp.Headers {
			h[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
		h.Del("Etag")
		if h.Get("Content-Type") == "" {
			h.Set("Content-Type", "application/json")
		}
		t.entries[m] = Response{Status: resp.Status, Headers: h, Body: resp.Body}
	}
	return t, nil
}

// Merge returns a new table holding t's entries overlaid with other's.
func (t Table) Merge(other Table) Table {
	out := Table{entries: make(map[string]Response, len(t.entries)+len(other.entries))}
	for m, r := range t.entries {
		out.entries[m] = r
	}
	for m, r := range other.entries {
		out.entries[m] = r
	}
	return out
}

// Lookup returns the canned response for method. HEAD falls back to the
// GET entry.
func (t Table) Lookup(method string) (Response, bool) {
	resp, ok := t.entries[method]
	if !ok && method == http.MethodHead {
		resp, ok = t.entries[http.MethodGet]
	}
	return resp, ok
}

// Len reports how many methods have a canned response.
func (t Table) Len() int {
	return len(t.entries)
}
