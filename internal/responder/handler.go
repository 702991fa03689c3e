package responder

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
)

// TableSource yields the table that should answer the next request.
type TableSource interface {
	Current() Table
}

// Static is a TableSource that always returns the same table.
type Static Table

// Current implements TableSource.
func (s Static) Current() Table { return Table(s) }

// Swappable holds a table that can be replaced while requests are in
// flight. Requests already dispatched keep the table they started with.
type Swappable struct {
	p atomic.Pointer[Table]
}

// NewSwappable returns a Swappable initialised with t.
func NewSwappable(t Table) *Swappable {
	s := &Swappable{}
	s.Store(t)
	return s
}

// Current implements TableSource.
func (s *Swappable) Current() Table {
	if t := s.p.Load(); t != nil {
		return *t
	}
	return Table{}
}

// Store replaces the current table.
func (s *Swappable) Store(t Table) {
	s.p.Store(&t)
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxBodyBytes caps how much of a request body is drained before the
// request is rejected with 413. Zero disables the cap.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// Handler answers every request with the canned response for its method.
type Handler struct {
	source       TableSource
	maxBodyBytes int64
}

// NewHandler creates a Handler reading responses from source.
func NewHandler(source TableSource, opts ...Option) *Handler {
	h := &Handler{source: source}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.drain(w, r); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, ok := h.source.Current().Lookup(r.Method)
	if !ok {
		http.NotFound(w, r)
		return
	}

	hdr := w.Header()
	for k, v := range resp.Headers {
		hdr[k] = append([]string(nil), v...)
	}
	if resp.Body != "" {
		hdr.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

// drain consumes the whole request body. The content is not kept.
func (h *Handler) drain(w http.ResponseWriter, r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	_, err := io.Copy(io.Discard, body)
	return err
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body := `{"error":"` + msg + `"}`
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
