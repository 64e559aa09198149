package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"visitoverlay/internal/adapter"
	"visitoverlay/internal/config"
	"visitoverlay/internal/dom"
	"visitoverlay/internal/eventloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNext(t *testing.T) {
	tests := []struct {
		from   State
		ev     Event
		to     State
		action Action
	}{
		{Idle, PageLeft, Idle, None},
		{Idle, TableMissing, Idle, None},
		{Idle, TableFound, Attached, Attach},
		{Attached, TableFound, Attached, Refresh},
		{Attached, TableMissing, Idle, Detach},
		{Attached, PageLeft, Idle, Detach},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			to, action := Next(tt.from, tt.ev)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestMatcher(t *testing.T) {
	m := NewMatcher(config.DefaultConfig().Page)
	tests := []struct {
		url  string
		want bool
	}{
		{"https://acme.alayacare.com/#/scheduling/scheduled-visits", true},
		{"https://acme.alayacare.ca/scheduling/scheduled-visits?page=2", true},
		{"http://localhost:8080/#/scheduling/scheduled-visits", true},
		{"https://alayacare.com/#/scheduling/scheduled-visits", true},
		{"https://connector.alayacare.com/#/scheduling/scheduled-visits", false},
		{"https://acme.alayacare.com/#/clients/12", false},
		{"https://evil-alayacare.com/#/scheduling/scheduled-visits", false},
		{"https://example.com/#/scheduling/scheduled-visits", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.url), tt.url)
	}
}

type recorder struct {
	calls []Action
	err   error
}

func (r *recorder) Attach() error  { r.calls = append(r.calls, Attach); return r.err }
func (r *recorder) Refresh() error { r.calls = append(r.calls, Refresh); return r.err }
func (r *recorder) Detach() error  { r.calls = append(r.calls, Detach); return r.err }

const withTable = `<html><body><table id="datatable"><tbody></tbody></table></body></html>`

func newScheduler(t *testing.T, doc dom.Document, hooks Hooks) *Scheduler {
	t.Helper()
	return New(Options{
		Document: doc,
		Adapter:  adapter.New(),
		Matcher:  NewMatcher(config.DefaultConfig().Page),
		Hooks:    hooks,
		Post:     func(fn func()) bool { fn(); return true },
	})
}

func TestTick_Lifecycle(t *testing.T) {
	doc, err := dom.ParseHTMLString(`<html><body><p>loading</p></body></html>`, "https://a.alayacare.com/#/scheduling/scheduled-visits")
	require.NoError(t, err)
	rec := &recorder{}
	s := newScheduler(t, doc, rec)

	st, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, Idle, st)

	body, err := doc.Query("body")
	require.NoError(t, err)
	_, err = doc.AppendHTML(body, `<table id="datatable"><tbody></tbody></table>`)
	require.NoError(t, err)

	st, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, Attached, st)
	st, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, Attached, st)

	doc.SetLocation("https://a.alayacare.com/#/clients/4")
	st, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, Idle, st)
	_, err = s.Tick()
	require.NoError(t, err)

	doc.SetLocation("https://a.alayacare.com/#/scheduling/scheduled-visits")
	st, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, Attached, st)

	table, err := doc.Query("table")
	require.NoError(t, err)
	require.NoError(t, doc.Remove(table))
	st, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, Idle, st)

	assert.Equal(t, []Action{Attach, Refresh, Detach, Attach, Detach}, rec.calls)
	assert.Equal(t, 7, s.Ticks())
}

func TestTick_HookErrorStillTransitions(t *testing.T) {
	doc, err := dom.ParseHTMLString(withTable, "http://localhost/#/scheduling/scheduled-visits")
	require.NoError(t, err)
	rec := &recorder{err: errors.New("boom")}
	s := newScheduler(t, doc, rec)

	st, err := s.Tick()
	assert.Error(t, err)
	assert.Equal(t, Attached, st)
}

func TestRun_TicksOnLoop(t *testing.T) {
	doc, err := dom.ParseHTMLString(withTable, "http://localhost/#/scheduling/scheduled-visits")
	require.NoError(t, err)
	rec := &recorder{}

	loop := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	s := New(Options{
		Document: doc,
		Adapter:  adapter.New(),
		Matcher:  NewMatcher(config.DefaultConfig().Page),
		Hooks:    rec,
		Interval: 5 * time.Millisecond,
		Post:     loop.Post,
	})
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		var ticks int
		if err := loop.Do(ctx, func() { ticks = s.Ticks() }); err != nil {
			return false
		}
		return ticks >= 3
	}, 2*time.Second, 5*time.Millisecond)

	var state State
	require.NoError(t, loop.Do(ctx, func() { state = s.State() }))
	assert.Equal(t, Attached, state)

	cancel()
	assert.NoError(t, <-runDone)
	<-loopDone
}
