package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitoverlay/internal/correlate"
	"visitoverlay/internal/overlay"
)

type fakeSource struct {
	mu   sync.Mutex
	snap overlay.Snapshot
	err  error
	rows []bool
}

func (f *fakeSource) Snapshot(_ context.Context, withRows bool) (overlay.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, withRows)
	s := f.snap
	if !withRows {
		s.Rows = nil
	}
	return s, f.err
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHandler(t *testing.T) {
	src := &fakeSource{snap: overlay.Snapshot{
		State:       "attached",
		Variant:     "current",
		Ticks:       3,
		Correlation: correlate.Stats{Total: 2, Ready: 1, Pending: 1},
		Rows: []overlay.RowView{
			{VisitID: "1", ClientID: "10", Ready: true, Values: map[string]string{"client-city": "Salem"}},
		},
	}}
	srv := httptest.NewServer(Handler(src, nil))
	defer srv.Close()

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, srv, "/state")
	assert.Equal(t, http.StatusOK, code)
	var state overlay.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	assert.Equal(t, "attached", state.State)
	assert.Equal(t, "current", state.Variant)
	assert.Equal(t, 2, state.Correlation.Total)
	assert.Empty(t, state.Rows)

	code, body = get(t, srv, "/rows")
	assert.Equal(t, http.StatusOK, code)
	var rows []overlay.RowView
	require.NoError(t, json.Unmarshal([]byte(body), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Salem", rows[0].Values["client-city"])

	src.mu.Lock()
	assert.Equal(t, []bool{false, true}, src.rows)
	src.mu.Unlock()

	code, _ = get(t, srv, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_EmptyRowsIsArray(t *testing.T) {
	srv := httptest.NewServer(Handler(&fakeSource{}, nil))
	defer srv.Close()

	code, body := get(t, srv, "/rows")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)
}

func TestHandler_SnapshotError(t *testing.T) {
	srv := httptest.NewServer(Handler(&fakeSource{err: errors.New("loop stopped")}, nil))
	defer srv.Close()

	code, _ := get(t, srv, "/state")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get(t, srv, "/rows")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", &fakeSource{}, nil) }()
	cancel()
	assert.NoError(t, <-done)
}
