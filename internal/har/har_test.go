package har

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitoverlay/internal/correlate"
	"visitoverlay/internal/tap"
)

var capture = `{"log":{"entries":[
  {"_resourceType":"document","request":{"method":"GET","url":"https://acme.alayacare.com/"},"response":{"status":200,"content":{"text":"<html></html>"}}},
  {"_resourceType":"xhr","request":{"method":"GET","url":"https://acme.alayacare.com/api/v1/scheduler/scheduled_visits?page=1"},"response":{"status":200,"content":{"mimeType":"application/json","text":"{\"items\":[{\"id\":1}]}"}}},
  {"_resourceType":"fetch","request":{"method":"GET","url":"https://acme.alayacare.com/api/v1/scheduler/scheduled_visits?page=2"},"response":{"status":200,"content":{"text":"` + base64.StdEncoding.EncodeToString([]byte(`{"items":[{"id":2}]}`)) + `","encoding":"base64"}}},
  {"_resourceType":"xhr","request":{"method":"GET","url":"https://acme.alayacare.com/ext/api/v2/patients/clients/10"},"response":{"status":200,"content":{"text":"{\"tags\":[]}"}}},
  {"_resourceType":"xhr","request":{"method":"GET","url":"https://acme.alayacare.com/ext/api/v2/patients/clients/20"},"response":{"status":403,"content":{"text":""}}},
  {"_resourceType":"xhr","request":{"method":"POST","url":"https://acme.alayacare.com/ext/api/v2/patients/clients/30"},"response":{"status":200,"content":{"text":"{}"}}}
]}}`

type recordingSink struct {
	seen []tap.Exchange
}

func (s *recordingSink) Wants(url string) bool {
	return strings.Contains(url, "scheduled_visits")
}

func (s *recordingSink) Observe(ex tap.Exchange) {
	s.seen = append(s.seen, ex)
}

func TestSource_ReplaysWantedEntries(t *testing.T) {
	a, err := Parse([]byte(capture))
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, NewSource(a).Attach(context.Background(), sink))

	require.Len(t, sink.seen, 2)
	assert.Equal(t, tap.XHR, sink.seen[0].Mechanism)
	assert.Equal(t, tap.ResponseDefault, sink.seen[0].ResponseType)
	assert.JSONEq(t, `{"items":[{"id":1}]}`, string(sink.seen[0].Body))

	assert.Equal(t, tap.Fetch, sink.seen[1].Mechanism)
	assert.Equal(t, tap.ResponseBlob, sink.seen[1].ResponseType)
	assert.JSONEq(t, `{"items":[{"id":2}]}`, string(sink.seen[1].Body))
}

func TestSource_CancelledContext(t *testing.T) {
	a, err := Parse([]byte(capture))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	assert.ErrorIs(t, NewSource(a).Attach(ctx, sink), context.Canceled)
	assert.Empty(t, sink.seen)
}

func TestFetcher(t *testing.T) {
	a, err := Parse([]byte(capture))
	require.NoError(t, err)
	f := NewFetcher(a)
	ctx := context.Background()

	body, err := f.Fetch(ctx, "/ext/api/v2/patients/clients/10")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":[]}`, string(body))

	body, err = f.Fetch(ctx, "/api/v1/scheduler/scheduled_visits?page=2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"id":2}]}`, string(body))

	_, err = f.Fetch(ctx, "/ext/api/v2/patients/clients/20")
	assert.True(t, errors.Is(err, correlate.ErrLookupFailed))
	assert.Contains(t, err.Error(), "status 403")

	_, err = f.Fetch(ctx, "/ext/api/v2/patients/clients/30")
	assert.ErrorIs(t, err, correlate.ErrLookupFailed)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.har")
	require.NoError(t, os.WriteFile(path, []byte(capture), 0o644))

	a, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, a.Log.Entries, 6)

	_, err = Load(filepath.Join(t.TempDir(), "missing.har"))
	assert.Error(t, err)

	_, err = Parse([]byte("{"))
	assert.Error(t, err)
}
