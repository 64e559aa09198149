package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"

	"visitoverlay/internal/correlate"
)

// PageFetcher performs lookups from inside the page so they carry the user's session.
type PageFetcher struct {
	page *rod.Page
}

// NewPageFetcher creates a fetcher that runs requests in page.
func NewPageFetcher(page *rod.Page) *PageFetcher {
	return &PageFetcher{page: page}
}

const fetchJS = `async (path) => {
	const res = await fetch(path, { credentials: 'include', headers: { 'Accept': 'application/json' } });
	return { status: res.status, body: await res.text() };
}`

type fetchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Fetch implements correlate.Fetcher.
func (f *PageFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	res, err := f.page.Context(ctx).Evaluate(rod.Eval(fetchJS, path).ByPromise())
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", correlate.ErrLookupFailed, path, err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out fetchResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if out.Status < 200 || out.Status > 299 {
		return nil, fmt.Errorf("%w: GET %s: status %d", correlate.ErrLookupFailed, path, out.Status)
	}
	return []byte(out.Body), nil
}
