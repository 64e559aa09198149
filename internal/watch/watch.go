// Package watch keeps a row observation on the host table's body so rows the host
// re-creates are repainted without waiting for network data.
package watch

import (
	"fmt"

	"go.uber.org/zap"

	"visitoverlay/internal/adapter"
	"visitoverlay/internal/dom"
)

// Watcher owns at most one row observation. Its methods run on the event loop.
type Watcher struct {
	doc     dom.Document
	adapter *adapter.Adapter
	post    func(func()) bool
	onRows  func([]dom.Node)
	log     *zap.Logger

	container dom.Node
	obs       dom.Observer
	gen       uint64
	arms      int
}

// New creates a disarmed watcher. onRows runs on the loop (via post) with the rows the
// host added.
func New(doc dom.Document, a *adapter.Adapter, post func(func()) bool, onRows func([]dom.Node), log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{doc: doc, adapter: a, post: post, onRows: onRows, log: log}
}

// Arm observes the table body. If already observing that same body it does nothing and
// returns false; if the body was replaced it moves the observation and returns true.
// A missing body leaves the watcher disarmed.
func (w *Watcher) Arm() (bool, error) {
	body, err := w.adapter.Body(w.doc)
	if err != nil {
		return false, err
	}
	if body == nil {
		return false, w.Disarm()
	}
	if w.container != nil {
		same, err := w.container.Equal(body)
		if err != nil {
			return false, fmt.Errorf("compare row container: %w", err)
		}
		if same {
			return false, nil
		}
	}

	if err := w.Disarm(); err != nil {
		w.log.Warn("previous observation not stopped", zap.Error(err))
	}
	gen := w.gen
	obs, err := w.doc.ObserveRows(body, w.adapter.Selectors().Row, func(rows []dom.Node) {
		w.post(func() {
			if w.gen != gen {
				return
			}
			w.onRows(rows)
		})
	})
	if err != nil {
		return false, fmt.Errorf("observe rows: %w", err)
	}
	w.container = body
	w.obs = obs
	w.arms++
	w.log.Debug("watcher armed", zap.Int("arms", w.arms))
	return true, nil
}

// Disarm stops the current observation, if any. Callbacks already queued are dropped.
func (w *Watcher) Disarm() error {
	w.gen++
	if w.obs == nil {
		return nil
	}
	err := w.obs.Stop()
	w.obs = nil
	w.container = nil
	if err != nil {
		return fmt.Errorf("stop observer: %w", err)
	}
	return nil
}

// Armed reports whether an observation is active.
func (w *Watcher) Armed() bool { return w.obs != nil }

// Arms counts how many observations have been started.
func (w *Watcher) Arms() int { return w.arms }
