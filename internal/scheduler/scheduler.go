// Package scheduler polls for the scheduled visits page and its table and drives the
// Idle/Attached state machine.
package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"visitoverlay/internal/adapter"
	"visitoverlay/internal/config"
	"visitoverlay/internal/dom"
	"visitoverlay/internal/eventloop"
)

// State is the attachment state.
type State int

const (
	Idle State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "idle"
}

// Event is what one tick observed.
type Event int

const (
	PageLeft Event = iota
	TableMissing
	TableFound
)

func (e Event) String() string {
	switch e {
	case PageLeft:
		return "page-left"
	case TableMissing:
		return "table-missing"
	}
	return "table-found"
}

// Action is the side effect of a transition.
type Action int

const (
	None Action = iota
	Attach
	Refresh
	Detach
)

func (a Action) String() string {
	switch a {
	case Attach:
		return "attach"
	case Refresh:
		return "refresh"
	case Detach:
		return "detach"
	}
	return "none"
}

type transition struct {
	to     State
	action Action
}

var transitions = map[State]map[Event]transition{
	Idle: {
		PageLeft:     {Idle, None},
		TableMissing: {Idle, None},
		TableFound:   {Attached, Attach},
	},
	Attached: {
		PageLeft:     {Idle, Detach},
		TableMissing: {Idle, Detach},
		TableFound:   {Attached, Refresh},
	},
}

// Next returns the state and action for event e in state s.
func Next(s State, e Event) (State, Action) {
	t := transitions[s][e]
	return t.to, t.action
}

// Matcher decides whether a location is the scheduled visits page.
type Matcher struct {
	hosts        []string
	exclude      []string
	pathContains string
}

// NewMatcher builds a matcher from configuration.
func NewMatcher(cfg config.PageConfig) Matcher {
	return Matcher{hosts: cfg.Hosts, exclude: cfg.ExcludeHosts, pathContains: cfg.PathContains}
}

// Match reports whether rawURL is on an allowed host and contains the page path. The hash
// route counts, since the host is a single-page application.
func (m Matcher) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if !hostIn(host, m.hosts) || hostIn(host, m.exclude) {
		return false
	}
	return strings.Contains(rawURL, m.pathContains)
}

func hostIn(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Hooks are the actions the scheduler triggers. They run on the loop.
type Hooks interface {
	Attach() error
	Refresh() error
	Detach() error
}

// Scheduler evaluates page and table presence on every tick.
type Scheduler struct {
	doc      dom.Document
	adapter  *adapter.Adapter
	matcher  Matcher
	hooks    Hooks
	interval time.Duration
	post     func(func()) bool
	log      *zap.Logger

	state State
	ticks int
}

// Options configures a Scheduler.
type Options struct {
	Document dom.Document
	Adapter  *adapter.Adapter
	Matcher  Matcher
	Hooks    Hooks
	Interval time.Duration
	Post     func(func()) bool
	Logger   *zap.Logger
}

// New creates an idle scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Scheduler{
		doc:      opts.Document,
		adapter:  opts.Adapter,
		matcher:  opts.Matcher,
		hooks:    opts.Hooks,
		interval: opts.Interval,
		post:     opts.Post,
		log:      opts.Logger,
	}
}

// State returns the current state. Call from the loop.
func (s *Scheduler) State() State { return s.state }

// Ticks counts evaluated ticks. Call from the loop.
func (s *Scheduler) Ticks() int { return s.ticks }

// Tick observes the page once and applies the resulting transition. Call from the loop.
func (s *Scheduler) Tick() (State, error) {
	s.ticks++
	ev, err := s.observe()
	if err != nil {
		return s.state, fmt.Errorf("tick %d: %w", s.ticks, err)
	}

	from := s.state
	to, action := Next(from, ev)
	s.state = to
	if action != None || from != to {
		s.log.Debug("transition",
			zap.Int("tick", s.ticks),
			zap.Stringer("from", from),
			zap.Stringer("event", ev),
			zap.Stringer("to", to),
			zap.Stringer("action", action))
	}

	switch action {
	case Attach:
		err = s.hooks.Attach()
	case Refresh:
		err = s.hooks.Refresh()
	case Detach:
		err = s.hooks.Detach()
	}
	if err != nil {
		return s.state, fmt.Errorf("tick %d %s: %w", s.ticks, action, err)
	}
	return s.state, nil
}

func (s *Scheduler) observe() (Event, error) {
	loc, err := s.doc.Location()
	if err != nil {
		return PageLeft, fmt.Errorf("read location: %w", err)
	}
	if !s.matcher.Match(loc) {
		return PageLeft, nil
	}
	ok, err := s.adapter.Probe(s.doc)
	if err != nil {
		return TableMissing, err
	}
	if !ok {
		return TableMissing, nil
	}
	table, err := s.adapter.Table(s.doc)
	if err != nil {
		return TableMissing, err
	}
	if table == nil {
		return TableMissing, nil
	}
	return TableFound, nil
}

// Run posts a tick immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := func() {
		if _, err := s.Tick(); err != nil {
			s.log.Warn("tick failed", zap.Error(err))
		}
	}
	for {
		if !s.post(tick) {
			if ctx.Err() != nil {
				return nil
			}
			return eventloop.ErrStopped
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
