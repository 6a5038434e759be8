// Package scrape drives the page-fetch state machine: fetch a frontier URL,
// classify the HTTP outcome, and advance the crawl or soft-delete vanished
// entities.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// FetchRequest is one page fetch. Cookies are sent as a Cookie header built
// from the job's persisted jar.
type FetchRequest struct {
	URL     string
	Cookies map[string]string
}

// FetchResponse carries the classified raw result. Cookies holds any
// Set-Cookie values from this response, already split into the jar's
// key/value form.
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Cookies    map[string]string
}

// Location returns the redirect target, if any.
func (r FetchResponse) Location() string {
	return r.Headers.Get("Location")
}

// Fetcher performs one HTTP fetch without following redirects; the state
// machine applies its own redirect policy.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Limiter gates outbound requests, typically per host.
type Limiter interface {
	Wait(ctx context.Context, pageURL string) error
}

// HTTPFetcher implements Fetcher on net/http with redirect-following
// disabled.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	limiter   Limiter
}

// NewHTTPFetcher builds an HTTPFetcher. Per-fetch deadlines come from the
// caller's context, not a client timeout. A nil limiter means no throttling.
func NewHTTPFetcher(userAgent string, limiter Limiter) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: userAgent,
		limiter:   limiter,
	}
}

// CookieHeader formats a jar into a Cookie header value, keys sorted for
// stable output.
func CookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	keys := make([]string, 0, len(cookies))
	for k := range cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+cookies[k])
	}
	return strings.Join(parts, "; ")
}

// Fetch performs the request and returns the raw classified response.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, req.URL); err != nil {
			return FetchResponse{}, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	if header := CookieHeader(req.Cookies); header != "" {
		httpReq.Header.Set("Cookie", header)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("read body of %s after %s: %w", req.URL, time.Since(start), err)
	}

	out := FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}
	for _, c := range resp.Cookies() {
		if out.Cookies == nil {
			out.Cookies = map[string]string{}
		}
		out.Cookies[c.Name] = c.Value
	}
	return out, nil
}
