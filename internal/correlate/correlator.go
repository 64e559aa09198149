// Package correlate keeps the correlation map from visit id to the visit and its
// dependent records, and runs the per-visit lookup chains that fill it.
//
// A Correlator is owned by the event loop: every method except InFlight and Wait must be
// called from a loop task. Lookups run in their own goroutines and post their results
// back through Options.Post.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"visitoverlay/internal/config"
)

// Fetcher performs one GET against the host API and returns the body. A non-success
// status is reported as an error wrapping ErrLookupFailed.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Options configures a Correlator.
type Options struct {
	Fetcher   Fetcher
	Endpoints config.EndpointsConfig
	// Chain extends each client lookup with the active care plan list and detail.
	Chain   bool
	Timeout time.Duration
	// Post schedules a completion on the owning loop. It returns false once the loop is gone.
	Post func(func()) bool
	// Notify runs on the loop after a visit's row becomes ready.
	Notify func(visitID string)
	Logger *zap.Logger
}

// Correlator maps visit ids to correlated rows.
type Correlator struct {
	opts Options
	log  *zap.Logger

	rows  map[string]*Row
	order []string

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed when pending drops to zero
}

// New creates a Correlator.
func New(opts Options) *Correlator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notify == nil {
		opts.Notify = func(string) {}
	}
	return &Correlator{
		opts: opts,
		log:  opts.Logger,
		rows: make(map[string]*Row),
	}
}

// Chain reports whether lookups extend to the care plan.
func (c *Correlator) Chain() bool { return c.opts.Chain }

// IngestPayload parses a scheduled visits payload and ingests it. An item that does not
// decode is logged and skipped; the rest of the batch is still ingested.
func (c *Correlator) IngestPayload(ctx context.Context, payload []byte) error {
	visits, skipped, err := ParseVisits(payload)
	if err != nil {
		return err
	}
	for _, serr := range skipped {
		c.log.Warn("visit item skipped", zap.Error(serr))
	}
	c.Ingest(ctx, visits)
	return nil
}

// Ingest records each visit, superseding any earlier entry for the same id, and starts an
// independent lookup for every visit with a client reference.
func (c *Correlator) Ingest(ctx context.Context, visits []Visit) {
	for i := range visits {
		v := visits[i]
		c.put(&Row{VisitID: v.ID, ClientID: v.ClientID, Visit: &v})
		if v.ClientID == "" {
			c.log.Debug("visit has no client reference", zap.String("visit_id", v.ID))
			continue
		}
		c.lookup(ctx, v.ID, v.ClientID)
	}
}

// Track creates an entry for a visit first seen in the DOM and starts its lookup.
// It returns false when the visit is already known.
func (c *Correlator) Track(ctx context.Context, visitID, clientID string) bool {
	if visitID == "" {
		return false
	}
	if _, ok := c.rows[visitID]; ok {
		return false
	}
	c.put(&Row{VisitID: visitID, ClientID: clientID})
	if clientID != "" {
		c.lookup(ctx, visitID, clientID)
	}
	return true
}

func (c *Correlator) put(r *Row) {
	if _, ok := c.rows[r.VisitID]; !ok {
		c.order = append(c.order, r.VisitID)
	}
	c.rows[r.VisitID] = r
}

// Row returns the entry for visitID, or nil.
func (c *Correlator) Row(visitID string) *Row {
	return c.rows[visitID]
}

// Rows returns copies of every entry in first-seen order.
func (c *Correlator) Rows() []Row {
	out := make([]Row, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.rows[id])
	}
	return out
}

// Stats counts entries by state.
type Stats struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// Stats summarises the correlation map.
func (c *Correlator) Stats() Stats {
	s := Stats{Total: len(c.rows)}
	for _, r := range c.rows {
		switch {
		case r.Ready:
			s.Ready++
		case r.Err != "":
			s.Failed++
		}
	}
	s.Pending = c.InFlight()
	return s
}

// VisitIDs returns the known visit ids, sorted.
func (c *Correlator) VisitIDs() []string {
	ids := make([]string, 0, len(c.rows))
	for id := range c.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InFlight is the number of lookups not yet completed. Safe from any goroutine.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Wait blocks until every started lookup has posted its completion. Lookups started
// while waiting are waited for too. Safe from any goroutine.
func (c *Correlator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.pending == 0 {
			c.mu.Unlock()
			return nil
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Correlator) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
}

func (c *Correlator) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 {
		close(c.idle)
	}
}

type resolution struct {
	client   *Client
	carePlan *CarePlan
}

func (c *Correlator) lookup(ctx context.Context, visitID, clientID string) {
	c.begin()
	go func() {
		defer c.end()
		res, err := c.resolve(ctx, clientID)
		if !c.opts.Post(func() { c.complete(visitID, clientID, res, err) }) {
			c.log.Debug("loop stopped, dropping lookup result", zap.String("visit_id", visitID))
		}
	}()
}

// resolve runs one visit's chain. It aborts at the first failed or empty step.
func (c *Correlator) resolve(ctx context.Context, clientID string) (resolution, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	body, err := c.opts.Fetcher.Fetch(ctx, expand(c.opts.Endpoints.Client, clientID))
	if err != nil {
		return resolution{}, fmt.Errorf("client %s: %w", clientID, err)
	}
	client, err := ParseClient(clientID, body)
	if err != nil {
		return resolution{}, err
	}
	if !c.opts.Chain {
		return resolution{client: client}, nil
	}

	body, err = c.opts.Fetcher.Fetch(ctx, expand(c.opts.Endpoints.CarePlans, clientID))
	if err != nil {
		return resolution{}, fmt.Errorf("care plans of client %s: %w", clientID, err)
	}
	planID, err := ParseCarePlanList(clientID, body)
	if err != nil {
		return resolution{}, err
	}
	if planID == "" {
		return resolution{}, fmt.Errorf("care plans of client %s: %w", clientID, ErrEmptyResult)
	}

	body, err = c.opts.Fetcher.Fetch(ctx, expand(c.opts.Endpoints.CarePlanDetail, planID))
	if err != nil {
		return resolution{}, fmt.Errorf("care plan %s: %w", planID, err)
	}
	plan, err := ParseCarePlan(planID, body)
	if err != nil {
		return resolution{}, err
	}
	return resolution{client: client, carePlan: plan}, nil
}

func (c *Correlator) complete(visitID, clientID string, res resolution, err error) {
	row := c.rows[visitID]
	if row == nil {
		row = &Row{VisitID: visitID, ClientID: clientID}
		c.put(row)
	}
	if err != nil {
		row.Err = err.Error()
		var perr *ParseError
		c.log.Warn("lookup failed",
			zap.String("visit_id", visitID),
			zap.String("client_id", clientID),
			zap.Bool("parse_error", errors.As(err, &perr)),
			zap.Error(err))
		return
	}
	row.ClientID = clientID
	row.Client = res.client
	row.CarePlan = res.carePlan
	row.Ready = true
	row.Err = ""
	c.log.Debug("row ready", zap.String("visit_id", visitID), zap.String("client_id", clientID))
	c.opts.Notify(visitID)
}

func expand(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, "{id}", url.PathEscape(id))
}
