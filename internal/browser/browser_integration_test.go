//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitoverlay/internal/browser"
	"visitoverlay/internal/config"
	"visitoverlay/internal/overlay"
)

const schedulePage = `<html><body>
<table id="datatable">
  <thead><tr><th data-v-5 class="datatable-column___visit">Visit</th></tr></thead>
  <tbody>
    <tr><td class="datatable-column___visit"><a class="visit_link">1</a><a href="/#/clients/10">A</a></td></tr>
  </tbody>
</table>
<script>
setTimeout(async () => {
  const res = await fetch('/api/v1/scheduler/scheduled_visits?page=1');
  const data = await res.json();
  const body = document.querySelector('tbody');
  for (const v of data.items) {
    const tr = document.createElement('tr');
    tr.innerHTML = '<td class="datatable-column___visit"><a class="visit_link">' + v.id + '</a></td>';
    body.appendChild(tr);
  }
}, 1000);
</script>
</body></html>`

func scheduleServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, schedulePage)
	})
	mux.HandleFunc("/api/v1/scheduler/scheduled_visits", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[{"id":2,"client":{"id":20}}]}`)
	})
	mux.HandleFunc("/ext/api/v2/patients/clients/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/ext/api/v2/patients/clients/") {
		case "10":
			fmt.Fprint(w, `{"tags":["Female Caregiver"],"demographics":{"city":"Portland","address":"1 NE Oak"}}`)
		case "20":
			fmt.Fprint(w, `{"tags":["Male Caregiver"],"demographics":{"city":"Salem"}}`)
		default:
			http.NotFound(w, r)
		}
	})
	return httptest.NewServer(mux)
}

func TestOverlay_LivePage_Integration(t *testing.T) {
	ts := scheduleServer()
	defer ts.Close()

	cfg := config.DefaultConfig()
	cfg.Browser.Headless = true
	cfg.Browser.AttachExistingTabs = false
	cfg.Browser.StartURL = ts.URL + "/#/scheduling/scheduled-visits"
	cfg.Page.Hosts = []string{"127.0.0.1"}
	cfg.Scheduler.PollInterval = "100ms"
	cfg.Watcher.DrainInterval = "50ms"

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	sm := browser.NewSessionManager(cfg.Browser, nil)
	require.NoError(t, sm.Start(ctx), "Failed to start browser")
	defer func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	}()

	page, session, err := sm.OpenPage(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, "created", session.Status)
	assert.NotEmpty(t, session.ID)

	doc := browser.NewPageDocument(ctx, page, cfg.GetDrainInterval(), nil)
	ov, err := overlay.New(overlay.Options{
		Config:   cfg,
		Document: doc,
		Fetcher:  browser.NewPageFetcher(page),
		Source:   browser.NewNetworkSource(page, nil),
	})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- ov.Run(runCtx) }()

	cellText := func(visit, column string) string {
		rows, err := doc.QueryAll("tbody > tr")
		if err != nil {
			return ""
		}
		for _, row := range rows {
			link, err := row.Query(".visit_link")
			if err != nil || link == nil {
				continue
			}
			if text, _ := link.Text(); text != visit {
				continue
			}
			cell, err := row.Query(`td[data-overlay-column="` + column + `"]`)
			if err != nil || cell == nil {
				return ""
			}
			text, _ := cell.Text()
			return strings.TrimSpace(text)
		}
		return ""
	}

	require.Eventually(t, func() bool {
		return cellText("1", "client-tags") == "Female only" && cellText("1", "client-city") == "NE Portland"
	}, 20*time.Second, 100*time.Millisecond, "row 1 never rendered")

	require.Eventually(t, func() bool {
		return cellText("2", "client-tags") == "Male only" && cellText("2", "client-city") == "Salem"
	}, 20*time.Second, 100*time.Millisecond, "row 2 never rendered")

	snap, err := ov.Snapshot(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "attached", snap.State)
	assert.GreaterOrEqual(t, snap.Tap.Delivered, int64(1))

	cookies, err := sm.Cookies()
	require.NoError(t, err)
	assert.NotNil(t, cookies)

	stop()
	assert.NoError(t, <-done)
}
