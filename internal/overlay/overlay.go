// Package overlay builds the overlay's components and connects them around one event loop.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"visitoverlay/internal/adapter"
	"visitoverlay/internal/columns"
	"visitoverlay/internal/config"
	"visitoverlay/internal/correlate"
	"visitoverlay/internal/dom"
	"visitoverlay/internal/eventloop"
	"visitoverlay/internal/logging"
	"visitoverlay/internal/render"
	"visitoverlay/internal/scheduler"
	"visitoverlay/internal/tap"
	"visitoverlay/internal/watch"
)

// Options configures an Overlay.
type Options struct {
	Config   *config.Config
	Document dom.Document
	Fetcher  correlate.Fetcher
	Source   tap.Source
	Logger   *zap.Logger
}

// Overlay is one attached session against one document.
type Overlay struct {
	cfg    *config.Config
	doc    dom.Document
	source tap.Source
	log    *zap.Logger

	loop     *eventloop.Loop
	tap      *tap.Tap
	adapter  *adapter.Adapter
	registry *columns.Registry
	corr     *correlate.Correlator
	renderer *render.Renderer
	watcher  *watch.Watcher
	sched    *scheduler.Scheduler

	ctxMu sync.Mutex
	ctx   context.Context
}

// New wires every component. Nothing runs until Run.
func New(opts Options) (*Overlay, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Document == nil {
		return nil, errors.New("overlay: document is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("overlay: fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Config

	reg, err := columns.Default(cfg)
	if err != nil {
		return nil, fmt.Errorf("build column registry: %w", err)
	}

	o := &Overlay{
		cfg:      cfg,
		doc:      opts.Document,
		source:   opts.Source,
		log:      opts.Logger,
		loop:     eventloop.New(opts.Logger.Named("loop")),
		tap:      tap.New(logging.For(opts.Logger, logging.CategoryTap)),
		adapter:  adapter.New(),
		registry: reg,
		ctx:      context.Background(),
	}
	o.corr = correlate.New(correlate.Options{
		Fetcher:   opts.Fetcher,
		Endpoints: cfg.Endpoints,
		Chain:     cfg.Lookup.CarePlanChain,
		Timeout:   cfg.GetLookupTimeout(),
		Post:      o.loop.Post,
		Notify:    o.onReady,
		Logger:    logging.For(opts.Logger, logging.CategoryCorrelate),
	})
	o.renderer = render.New(o.doc, o.adapter, reg, o.corr, logging.For(opts.Logger, logging.CategoryRender))
	o.watcher = watch.New(o.doc, o.adapter, o.loop.Post, o.onRows, logging.For(opts.Logger, logging.CategoryWatch))
	o.sched = scheduler.New(scheduler.Options{
		Document: o.doc,
		Adapter:  o.adapter,
		Matcher:  scheduler.NewMatcher(cfg.Page),
		Hooks:    hooks{o},
		Interval: cfg.GetPollInterval(),
		Post:     o.loop.Post,
		Logger:   logging.For(opts.Logger, logging.CategoryScheduler),
	})

	o.tap.Subscribe(tap.URLContains(cfg.Endpoints.ScheduledVisits), func(p tap.Payload) {
		o.loop.Post(func() { o.ingest(p) })
	})
	return o, nil
}

// Registry returns the column registry.
func (o *Overlay) Registry() *columns.Registry { return o.registry }

// Tap returns the network tap, for sources fed by the caller.
func (o *Overlay) Tap() *tap.Tap { return o.tap }

// Run installs the network tap and runs the loop and the scheduler until ctx is done.
func (o *Overlay) Run(ctx context.Context) error {
	if err := o.start(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runLoop(gctx) })
	g.Go(func() error { return o.sched.Run(gctx) })
	return g.Wait()
}

// Serve installs the network tap and runs only the loop. The caller drives the scheduler
// through Tick.
func (o *Overlay) Serve(ctx context.Context) error {
	if err := o.start(ctx); err != nil {
		return err
	}
	return o.runLoop(ctx)
}

func (o *Overlay) start(ctx context.Context) error {
	o.ctxMu.Lock()
	o.ctx = ctx
	o.ctxMu.Unlock()

	if o.source == nil {
		return nil
	}
	return o.tap.Install(ctx, o.source)
}

func (o *Overlay) runLoop(ctx context.Context) error {
	err := o.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Tick runs one scheduler tick on the loop and returns the resulting state.
func (o *Overlay) Tick(ctx context.Context) (scheduler.State, error) {
	var (
		st  scheduler.State
		err error
	)
	if derr := o.loop.Do(ctx, func() { st, err = o.sched.Tick() }); derr != nil {
		return st, derr
	}
	return st, err
}

// Settle waits until no lookup is in flight and every posted completion has run.
func (o *Overlay) Settle(ctx context.Context) error {
	for {
		if err := o.loop.Do(ctx, func() {}); err != nil {
			return err
		}
		if err := o.corr.Wait(ctx); err != nil {
			return err
		}
		if err := o.loop.Do(ctx, func() {}); err != nil {
			return err
		}
		if o.corr.InFlight() == 0 {
			return nil
		}
	}
}

func (o *Overlay) lookupContext() context.Context {
	o.ctxMu.Lock()
	defer o.ctxMu.Unlock()
	return o.ctx
}

func (o *Overlay) ingest(p tap.Payload) {
	if err := o.corr.IngestPayload(o.lookupContext(), p.Body); err != nil {
		o.log.Warn("visit batch not ingested", zap.String("url", p.URL), zap.Error(err))
		return
	}
	o.log.Debug("visit batch ingested", zap.String("url", p.URL), zap.Stringer("mechanism", p.Mechanism))
}

func (o *Overlay) onReady(visitID string) {
	if err := o.renderer.UpdateVisit(o.lookupContext(), visitID); err != nil {
		o.log.Warn("visit not rendered", zap.String("visit_id", visitID), zap.Error(err))
	}
}

func (o *Overlay) onRows(rows []dom.Node) {
	if o.sched.State() != scheduler.Attached {
		return
	}
	o.renderer.RenderRows(o.lookupContext(), rows)
}

// hooks carries out scheduler actions.
type hooks struct{ o *Overlay }

func (h hooks) Attach() error {
	if err := h.o.renderer.EnsureHeaders(); err != nil {
		return err
	}
	if _, err := h.o.watcher.Arm(); err != nil {
		return err
	}
	h.o.log.Info("attached", zap.String("variant", string(h.o.adapter.Variant())))
	return h.o.renderer.RenderAll(h.o.lookupContext())
}

func (h hooks) Refresh() error {
	if err := h.o.renderer.EnsureHeaders(); err != nil {
		return err
	}
	changed, err := h.o.watcher.Arm()
	if err != nil || !changed {
		return err
	}
	h.o.log.Info("row container replaced, re-armed")
	return h.o.renderer.RenderAll(h.o.lookupContext())
}

func (h hooks) Detach() error {
	h.o.log.Info("detached")
	return h.o.watcher.Disarm()
}
