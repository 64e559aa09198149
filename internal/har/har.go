// Package har replays a captured HTTP Archive against the overlay: its fetch and XHR
// entries feed the network tap and its GET responses answer record lookups.
package har

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"visitoverlay/internal/correlate"
	"visitoverlay/internal/tap"
)

// Archive is the subset of the HAR 1.2 format the overlay reads.
type Archive struct {
	Log struct {
		Entries []Entry `json:"entries"`
	} `json:"log"`
}

// Entry is one recorded exchange.
type Entry struct {
	ResourceType string   `json:"_resourceType"`
	Request      Request  `json:"request"`
	Response     Response `json:"response"`
}

// Request is the recorded request line.
type Request struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Response is the recorded response.
type Response struct {
	Status  int     `json:"status"`
	Content Content `json:"content"`
}

// Content is the recorded response body.
type Content struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Encoding string `json:"encoding"`
}

// Body returns the decoded body and whether it was recorded as binary.
func (c Content) Body() ([]byte, bool, error) {
	if c.Encoding == "base64" {
		raw, err := base64.StdEncoding.DecodeString(c.Text)
		if err != nil {
			return nil, true, fmt.Errorf("decode base64 body: %w", err)
		}
		return raw, true, nil
	}
	return []byte(c.Text), false, nil
}

// Load reads an archive from disk.
func Load(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read har: %w", err)
	}
	return Parse(data)
}

// Parse decodes an archive.
func Parse(data []byte) (*Archive, error) {
	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse har: %w", err)
	}
	return &a, nil
}

func mechanism(e Entry) (tap.Mechanism, bool) {
	switch strings.ToLower(e.ResourceType) {
	case "fetch":
		return tap.Fetch, true
	case "xhr":
		return tap.XHR, true
	}
	return 0, false
}

// Source replays fetch and XHR entries in recorded order. Attach delivers every entry
// before returning.
type Source struct {
	archive *Archive
}

// NewSource creates a replay source.
func NewSource(a *Archive) *Source {
	return &Source{archive: a}
}

// Attach implements tap.Source.
func (s *Source) Attach(ctx context.Context, sink tap.Sink) error {
	for _, e := range s.archive.Log.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		mech, ok := mechanism(e)
		if !ok || !sink.Wants(e.Request.URL) {
			continue
		}
		body, binary, err := e.Response.Content.Body()
		if err != nil {
			continue
		}
		ex := tap.Exchange{Mechanism: mech, URL: e.Request.URL, Status: e.Response.Status, Body: body}
		if binary {
			ex.ResponseType = tap.ResponseBlob
		}
		sink.Observe(ex)
	}
	return nil
}

// Fetcher answers lookups from the archive's GET responses, keyed by path and query.
// The last recorded response for a path wins.
type Fetcher struct {
	responses map[string]Response
}

// NewFetcher indexes the archive's GET entries.
func NewFetcher(a *Archive) *Fetcher {
	f := &Fetcher{responses: make(map[string]Response)}
	for _, e := range a.Log.Entries {
		if e.Request.Method != "" && !strings.EqualFold(e.Request.Method, "GET") {
			continue
		}
		u, err := url.Parse(e.Request.URL)
		if err != nil {
			continue
		}
		f.responses[u.RequestURI()] = e.Response
	}
	return f
}

// Fetch implements correlate.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, ok := f.responses[path]
	if !ok {
		return nil, fmt.Errorf("%w: GET %s: not recorded", correlate.ErrLookupFailed, path)
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, fmt.Errorf("%w: GET %s: status %d", correlate.ErrLookupFailed, path, resp.Status)
	}
	body, _, err := resp.Content.Body()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}
