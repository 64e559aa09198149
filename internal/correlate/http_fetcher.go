package correlate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

// maxBody caps how much of a lookup response is read.
const maxBody = 8 << 20

// HTTPFetcher performs lookups directly against the host API with its own cookie jar.
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPFetcher creates a fetcher rooted at baseURL.
func NewHTTPFetcher(baseURL string, timeout time.Duration) (*HTTPFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &HTTPFetcher{
		base:   base,
		client: &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// SetCookies seeds the jar, typically with the browser session's cookies.
func (f *HTTPFetcher) SetCookies(cookies []*http.Cookie) {
	f.client.Jar.SetCookies(f.base, cookies)
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	target := f.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrLookupFailed, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrLookupFailed, path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}
