package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"visitoverlay/internal/columns"
	"visitoverlay/internal/config"
	"visitoverlay/internal/correlate"
	"visitoverlay/internal/overlay"
)

const savedPage = `<html><body>
<table id="datatable">
  <thead><tr><th data-v-5 class="datatable-column___visit">Visit</th></tr></thead>
  <tbody>
    <tr><td class="datatable-column___visit"><a class="visit_link">1</a><a href="/#/clients/10">A</a></td></tr>
    <tr><td class="datatable-column___visit"><a class="visit_link">2</a></td></tr>
  </tbody>
</table>
</body></html>`

const savedHAR = `{"log":{"entries":[
  {"_resourceType":"xhr","request":{"method":"GET","url":"https://acme.alayacare.com/api/v1/scheduler/scheduled_visits?page=1"},"response":{"status":200,"content":{"text":"{\"items\":[{\"id\":2,\"client\":{\"id\":20}}]}"}}},
  {"_resourceType":"xhr","request":{"method":"GET","url":"https://acme.alayacare.com/ext/api/v2/patients/clients/10"},"response":{"status":200,"content":{"text":"{\"tags\":[\"Female Caregiver\"],\"demographics\":{\"city\":\"Portland\",\"address\":\"1 NE Oak\"}}"}}},
  {"_resourceType":"xhr","request":{"method":"GET","url":"https://acme.alayacare.com/ext/api/v2/patients/clients/20"},"response":{"status":200,"content":{"text":"{\"tags\":[],\"demographics\":{\"city\":\"Salem\"}}"}}}
]}}`

func writeInputs(t *testing.T) replayInput {
	t.Helper()
	dir := t.TempDir()
	in := replayInput{
		HTML:     filepath.Join(dir, "visits.html"),
		HAR:      filepath.Join(dir, "session.har"),
		Location: "https://acme.alayacare.com/#/scheduling/scheduled-visits",
	}
	require.NoError(t, os.WriteFile(in.HTML, []byte(savedPage), 0o644))
	require.NoError(t, os.WriteFile(in.HAR, []byte(savedHAR), 0o644))
	return in
}

func TestReplay(t *testing.T) {
	in := writeInputs(t)
	var out bytes.Buffer

	res, err := replay(context.Background(), config.DefaultConfig(), in, &out, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "attached", res.Snapshot.State)
	assert.Equal(t, "legacy", res.Snapshot.Variant)
	assert.Equal(t, correlate.Stats{Total: 2, Ready: 2}, res.Snapshot.Correlation)

	html := out.String()
	assert.Contains(t, html, `data-overlay-column="client-tags"`)
	assert.Contains(t, html, "Female only")
	assert.Contains(t, html, "NE Portland")
	assert.Contains(t, html, "Salem")
	// one header and one cell per row
	assert.Equal(t, 3, strings.Count(html, `data-overlay-column="client-city"`))
}

func TestReplay_MissingInputs(t *testing.T) {
	in := writeInputs(t)
	cfg := config.DefaultConfig()

	bad := in
	bad.HTML = filepath.Join(t.TempDir(), "missing.html")
	_, err := replay(context.Background(), cfg, bad, &bytes.Buffer{}, zap.NewNop())
	assert.Error(t, err)

	bad = in
	bad.HAR = filepath.Join(t.TempDir(), "missing.har")
	_, err = replay(context.Background(), cfg, bad, &bytes.Buffer{}, zap.NewNop())
	assert.Error(t, err)
}

func TestWatchFiles(t *testing.T) {
	in := writeInputs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchFiles(ctx, []string{in.HTML, in.HAR}, 20*time.Millisecond, zap.NewNop(), func() {
			calls.Add(1)
		})
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(in.HAR, []byte(savedHAR), 0o644)
		return calls.Load() > 0
	}, 5*time.Second, 100*time.Millisecond)

	// Unrelated files in the same directory are ignored.
	time.Sleep(200 * time.Millisecond)
	before := calls.Load()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(in.HTML), "notes.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, calls.Load())

	cancel()
	assert.NoError(t, <-done)
}

func TestColumnsMarkdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Anchors = map[string]string{columns.ClientCity: "end"}
	reg, err := columns.Default(cfg)
	require.NoError(t, err)

	md := columnsMarkdown(reg, false)
	assert.Contains(t, md, "| `client-tags` | Client Tags | yes | start | No preference |")
	assert.Contains(t, md, "| `client-city` | Client City | yes | end | -- |")
	assert.NotContains(t, md, "`client-careplan` | Client Careplan")
	assert.Contains(t, md, "lookup.care_plan_chain")
	assert.Contains(t, md, "| `employee` | no |")

	cfg.Lookup.CarePlanChain = true
	reg, err = columns.Default(cfg)
	require.NoError(t, err)
	md = columnsMarkdown(reg, true)
	assert.Contains(t, md, "| `client-careplan` | Client Careplan | yes | start | -- |")
	assert.NotContains(t, md, "lookup.care_plan_chain")
}

func TestMonitorRows(t *testing.T) {
	rows := monitorRows(overlay.Snapshot{Rows: []overlay.RowView{
		{VisitID: "1", ClientID: "10", Ready: true, Values: map[string]string{columns.ClientTags: "Male only", columns.ClientCity: "Salem"}},
		{VisitID: "2", ClientID: "20", Error: "lookup failed", Values: map[string]string{}},
		{VisitID: "3", Values: map[string]string{}},
	}})
	require.Len(t, rows, 3)
	assert.Equal(t, "Male only", rows[0][2])
	assert.Equal(t, "Salem", rows[0][3])
	assert.Equal(t, "ready", rows[0][5])
	assert.Equal(t, "failed", rows[1][5])
	assert.Equal(t, "pending", rows[2][5])
}
