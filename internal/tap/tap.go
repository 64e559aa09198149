// Package tap observes the host page's network responses without touching them.
//
// A Tap is installed once against a Source (a live browser, a HAR capture). The source
// reports every completed fetch or XHR exchange whose URL some subscriber wants; the tap
// decodes a private copy of the body and hands the JSON to each matching subscriber.
package tap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrAlreadyInstalled is returned by a second Install.
var ErrAlreadyInstalled = errors.New("network tap already installed")

// Mechanism is the host request API that produced an exchange.
type Mechanism int

const (
	Fetch Mechanism = iota // promise based
	XHR                    // event based
)

func (m Mechanism) String() string {
	if m == XHR {
		return "xhr"
	}
	return "fetch"
}

// ResponseType is how an XHR exposes its response.
type ResponseType string

const (
	ResponseDefault ResponseType = ""     // responseText
	ResponseBlob    ResponseType = "blob" // binary, read separately
	ResponseJSON    ResponseType = "json" // already parsed by the host
)

// Exchange is one completed request as seen by a source.
type Exchange struct {
	Mechanism    Mechanism
	URL          string
	Status       int
	ResponseType ResponseType
	Body         []byte // default and blob representations
	Value        any    // json representation
}

// Payload is what subscribers receive.
type Payload struct {
	URL       string
	Mechanism Mechanism
	Status    int
	Body      json.RawMessage
}

// Predicate selects exchanges by request URL.
type Predicate func(url string) bool

// URLContains matches URLs containing substr.
func URLContains(substr string) Predicate {
	return func(url string) bool { return strings.Contains(url, substr) }
}

// Handler consumes a decoded payload. A panicking handler is recovered and logged.
type Handler func(Payload)

// Sink receives exchanges from a Source.
type Sink interface {
	// Wants reports whether any subscriber matches url. Sources skip reading other bodies.
	Wants(url string) bool
	Observe(ex Exchange)
}

// Source feeds a Sink. Attach hooks the underlying mechanisms and returns; delivery
// continues until ctx is cancelled.
type Source interface {
	Attach(ctx context.Context, sink Sink) error
}

type subscription struct {
	id      uint64
	match   Predicate
	handler Handler
}

// Stats counts tap activity.
type Stats struct {
	Observed  int64 `json:"observed"`
	Delivered int64 `json:"delivered"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Tap dispatches decoded responses to subscribers.
type Tap struct {
	log *zap.Logger

	mu        sync.RWMutex
	installed bool
	subs      []subscription
	nextID    uint64

	observed, delivered, skipped, failed atomic.Int64
}

// New creates an uninstalled tap.
func New(log *zap.Logger) *Tap {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tap{log: log}
}

// Subscribe registers h for URLs matching p and returns a function that removes it.
func (t *Tap) Subscribe(p Predicate, h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscription{id: id, match: p, handler: h})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Install attaches the tap to src. Only the first call attaches; later calls return
// ErrAlreadyInstalled and leave the existing hook in place.
func (t *Tap) Install(ctx context.Context, src Source) error {
	t.mu.Lock()
	if t.installed {
		t.mu.Unlock()
		return ErrAlreadyInstalled
	}
	t.installed = true
	t.mu.Unlock()

	if err := src.Attach(ctx, t); err != nil {
		t.mu.Lock()
		t.installed = false
		t.mu.Unlock()
		return fmt.Errorf("attach network source: %w", err)
	}
	t.log.Info("network tap installed")
	return nil
}

// Installed reports whether Install has succeeded.
func (t *Tap) Installed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.installed
}

// Wants implements Sink.
func (t *Tap) Wants(url string) bool {
	return len(t.matching(url)) > 0
}

func (t *Tap) matching(url string) []subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []subscription
	for _, s := range t.subs {
		if s.match(url) {
			out = append(out, s)
		}
	}
	return out
}

// Observe implements Sink. It never panics and never returns an error: failures are
// logged and the exchange is dropped.
func (t *Tap) Observe(ex Exchange) {
	t.observed.Add(1)
	subs := t.matching(ex.URL)
	if len(subs) == 0 {
		return
	}

	body, ok, err := decode(ex)
	if err != nil {
		t.failed.Add(1)
		t.log.Warn("response not decoded",
			zap.String("url", ex.URL),
			zap.Stringer("mechanism", ex.Mechanism),
			zap.Int("status", ex.Status),
			zap.Error(err))
		return
	}
	if !ok {
		t.skipped.Add(1)
		t.log.Debug("response skipped",
			zap.String("url", ex.URL),
			zap.Stringer("mechanism", ex.Mechanism),
			zap.Int("status", ex.Status))
		return
	}

	for _, s := range subs {
		t.deliver(s, Payload{
			URL:       ex.URL,
			Mechanism: ex.Mechanism,
			Status:    ex.Status,
			Body:      append(json.RawMessage(nil), body...),
		})
	}
}

func (t *Tap) deliver(s subscription, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			t.failed.Add(1)
			t.log.Error("tap handler panicked", zap.String("url", p.URL), zap.Any("panic", r))
		}
	}()
	s.handler(p)
	t.delivered.Add(1)
}

// Stats returns activity counters.
func (t *Tap) Stats() Stats {
	return Stats{
		Observed:  t.observed.Load(),
		Delivered: t.delivered.Load(),
		Skipped:   t.skipped.Load(),
		Failed:    t.failed.Load(),
	}
}

// decode returns the JSON body of ex. ok is false for exchanges that are not read at all:
// an XHR is only read on status 200, a fetch is read whatever its status.
func decode(ex Exchange) (json.RawMessage, bool, error) {
	if ex.Mechanism == XHR && ex.Status != 200 {
		return nil, false, nil
	}

	var raw []byte
	switch ex.ResponseType {
	case ResponseJSON:
		if ex.Value == nil {
			return nil, false, nil
		}
		b, err := json.Marshal(ex.Value)
		if err != nil {
			return nil, false, fmt.Errorf("encode parsed response: %w", err)
		}
		raw = b
	case ResponseBlob, ResponseDefault:
		raw = bytes.TrimSpace(ex.Body)
	default:
		return nil, false, fmt.Errorf("unsupported response type %q", ex.ResponseType)
	}

	if !json.Valid(raw) {
		return nil, false, fmt.Errorf("body of %s is not JSON", ex.URL)
	}
	return raw, true, nil
}
