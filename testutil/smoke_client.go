package testutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/0xReLogic/carina-origin/internal/responder"
)

// SmokeCheck is one request the smoke client sends and what it expects back.
type SmokeCheck struct {
	Method string
	Path   string
	Body   string
	Status int
	// Headers must be present with exactly these values
	Headers map[string]string
	// Body is compared only when WantBody is non-empty
	WantBody string
}

// DefaultChecks derives checks from the stock responder table plus a
// DELETE that must fall through to 404.
func DefaultChecks() []SmokeCheck {
	tbl := responder.DefaultTable()
	var checks []SmokeCheck
	for _, c := range []struct{ method, path, body string }{
		{http.MethodGet, "/anything", ""},
		{http.MethodPut, "/foo/bar", `"xyz"`},
		{http.MethodPost, "/users", ""},
	} {
		resp, _ := tbl.Lookup(c.method)
		hdr := make(map[string]string, len(resp.Headers))
		for k := range resp.Headers {
			hdr[k] = resp.Headers.Get(k)
		}
		checks = append(checks, SmokeCheck{
			Method:   c.method,
			Path:     c.path,
			Body:     c.body,
			Status:   resp.Status,
			Headers:  hdr,
			WantBody: resp.Body,
		})
	}
	return append(checks, SmokeCheck{Method: http.MethodDelete, Path: "/x", Status: http.StatusNotFound})
}

// RunSmokeClient waits up to timeout for the origin at baseURL to answer,
// then runs checks against it. tlsConfig may be nil.
func RunSmokeClient(ctx context.Context, baseURL string, checks []SmokeCheck, timeout time.Duration, tlsConfig *tls.Config) error {
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	baseURL = strings.TrimRight(baseURL, "/")

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		resp, err := client.Get(baseURL + "/")
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return fmt.Errorf("origin not reachable at %s: %w", baseURL, err)
	}

	for _, c := range checks {
		if err := runCheck(ctx, client, baseURL, c); err != nil {
			return fmt.Errorf("%s %s: %w", c.Method, c.Path, err)
		}
	}
	return nil
}

func runCheck(ctx context.Context, client *http.Client, baseURL string, c SmokeCheck) error {
	req, err := http.NewRequestWithContext(ctx, c.Method, baseURL+c.Path, strings.NewReader(c.Body))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != c.Status {
		return fmt.Errorf("status: expected %d, got %d", c.Status, resp.StatusCode)
	}
	for k, v := range c.Headers {
		if got := resp.Header.Get(k); got != v {
			return fmt.Errorf("header %s: expected %q, got %q", k, v, got)
		}
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return fmt.Errorf("unexpected ETag %q", etag)
	}
	if c.WantBody != "" && string(body) != c.WantBody {
		return fmt.Errorf("body: expected %q, got %q", c.WantBody, string(body))
	}
	return nil
}
