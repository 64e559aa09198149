package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"visitoverlay/internal/dom"
)

// PageDocument is a dom.Document over a live rod page. Queries never wait for elements
// to appear: an absent element is reported as nil.
type PageDocument struct {
	ctx   context.Context
	page  *rod.Page
	drain time.Duration
	log   *zap.Logger
}

// NewPageDocument wraps page. drain is how often observed rows are collected.
func NewPageDocument(ctx context.Context, page *rod.Page, drain time.Duration, log *zap.Logger) *PageDocument {
	if log == nil {
		log = zap.NewNop()
	}
	if drain <= 0 {
		drain = 250 * time.Millisecond
	}
	return &PageDocument{ctx: ctx, page: page, drain: drain, log: log}
}

func (d *PageDocument) p() *rod.Page {
	return d.page.Context(d.ctx)
}

// Location returns location.href.
func (d *PageDocument) Location() (string, error) {
	res, err := d.p().Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return res.Value.Str(), nil
}

// Query implements dom.Document.
func (d *PageDocument) Query(selector string) (dom.Node, error) {
	all, err := d.QueryAll(selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// QueryAll implements dom.Document.
func (d *PageDocument) QueryAll(selector string) ([]dom.Node, error) {
	els, err := d.p().Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapAll(els), nil
}

const observeJS = `(key, sel) => {
	const w = window;
	w.__visitOverlayRows = w.__visitOverlayRows || {};
	w.__visitOverlayObservers = w.__visitOverlayObservers || {};
	const buf = w.__visitOverlayRows[key] = [];
	const obs = new MutationObserver((mutations) => {
		for (const m of mutations) {
			for (const n of m.addedNodes) {
				try {
					if (n.nodeType === 1 && n.matches(sel)) buf.push(n);
				} catch (e) {}
			}
		}
	});
	obs.observe(this, { childList: true });
	w.__visitOverlayObservers[key] = obs;
	return true;
}`

const drainJS = `(key) => {
	const rows = (window.__visitOverlayRows || {})[key] || [];
	if (window.__visitOverlayRows) window.__visitOverlayRows[key] = [];
	return rows.filter((n) => n.isConnected);
}`

const disconnectJS = `(key) => {
	const obs = (window.__visitOverlayObservers || {})[key];
	if (obs) obs.disconnect();
	if (window.__visitOverlayObservers) delete window.__visitOverlayObservers[key];
	if (window.__visitOverlayRows) delete window.__visitOverlayRows[key];
	return true;
}`

// ObserveRows installs an in-page MutationObserver on container that buffers added rows,
// and drains the buffer on a ticker. fn runs on the drain goroutine.
func (d *PageDocument) ObserveRows(container dom.Node, rowSelector string, fn func([]dom.Node)) (dom.Observer, error) {
	c, ok := container.(*pageNode)
	if !ok {
		return nil, fmt.Errorf("node %T does not belong to a page", container)
	}
	key := uuid.NewString()
	if _, err := c.el.Context(d.ctx).Eval(observeJS, key, rowSelector); err != nil {
		return nil, fmt.Errorf("install row observer: %w", err)
	}

	ctx, cancel := context.WithCancel(d.ctx)
	o := &pageObserver{doc: d, key: key, cancel: cancel, done: make(chan struct{})}
	go o.loop(ctx, fn)
	return o, nil
}

type pageObserver struct {
	doc    *PageDocument
	key    string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (o *pageObserver) loop(ctx context.Context, fn func([]dom.Node)) {
	defer close(o.done)
	ticker := time.NewTicker(o.doc.drain)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			els, err := o.doc.page.Context(ctx).ElementsByJS(rod.Eval(drainJS, o.key))
			if err != nil {
				if ctx.Err() == nil {
					o.doc.log.Debug("row drain failed", zap.Error(err))
				}
				continue
			}
			if len(els) > 0 {
				fn(wrapAll(els))
			}
		}
	}
}

// Stop ends the drain goroutine and disconnects the in-page observer.
func (o *pageObserver) Stop() error {
	var err error
	o.once.Do(func() {
		o.cancel()
		<-o.done
		if _, evalErr := o.doc.p().Eval(disconnectJS, o.key); evalErr != nil {
			err = fmt.Errorf("disconnect row observer: %w", evalErr)
		}
	})
	return err
}

type pageNode struct {
	el *rod.Element
}

func wrapAll(els rod.Elements) []dom.Node {
	out := make([]dom.Node, 0, len(els))
	for _, el := range els {
		out = append(out, &pageNode{el: el})
	}
	return out
}

func (n *pageNode) QueryAll(selector string) ([]dom.Node, error) {
	els, err := n.el.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapAll(els), nil
}

func (n *pageNode) Query(selector string) (dom.Node, error) {
	all, err := n.QueryAll(selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (n *pageNode) Text() (string, error) {
	res, err := n.el.Eval(`() => this.textContent`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (n *pageNode) SetText(text string) error {
	_, err := n.el.Eval(`(t) => { this.textContent = t; return true; }`, text)
	return err
}

func (n *pageNode) Attr(name string) (string, bool, error) {
	v, err := n.el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (n *pageNode) AttrNames() ([]string, error) {
	res, err := n.el.Eval(`() => Array.from(this.attributes).map((a) => a.name)`)
	if err != nil {
		return nil, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode attribute names: %w", err)
	}
	return names, nil
}

func (n *pageNode) Style(prop string) (string, error) {
	res, err := n.el.Eval(`(p) => this.style.getPropertyValue(p)`, prop)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (n *pageNode) SetStyle(prop, value string) error {
	_, err := n.el.Eval(`(p, v) => {
		if (v) this.style.setProperty(p, v); else this.style.removeProperty(p);
		return true;
	}`, prop, value)
	return err
}

// elementSpec is the JSON form of a dom.Element handed to the page.
type elementSpec struct {
	Tag      string         `json:"tag"`
	Classes  []string       `json:"classes,omitempty"`
	Attrs    [][2]string    `json:"attrs,omitempty"`
	Style    [][2]string    `json:"style,omitempty"`
	Text     string         `json:"text,omitempty"`
	Children []*elementSpec `json:"children,omitempty"`
}

func toSpec(el *dom.Element) *elementSpec {
	s := &elementSpec{Tag: el.Tag, Classes: el.Classes, Text: el.Text}
	for _, a := range el.Attrs {
		s.Attrs = append(s.Attrs, [2]string{a.Name, a.Value})
	}
	for _, p := range el.Style {
		s.Style = append(s.Style, [2]string{p.Name, p.Value})
	}
	for _, c := range el.Children {
		s.Children = append(s.Children, toSpec(c))
	}
	return s
}

const insertJS = `(spec, pos) => {
	const mk = (s) => {
		const n = document.createElement(s.tag);
		for (const c of s.classes || []) n.classList.add(c);
		for (const [k, v] of s.attrs || []) n.setAttribute(k, v);
		for (const [k, v] of s.style || []) n.style.setProperty(k, v);
		if (s.text) n.textContent = s.text;
		for (const c of s.children || []) n.appendChild(mk(c));
		return n;
	};
	const n = mk(spec);
	switch (pos) {
	case 'append': this.appendChild(n); break;
	case 'prepend': this.insertBefore(n, this.firstChild); break;
	case 'before': this.parentNode.insertBefore(n, this); break;
	case 'after': this.parentNode.insertBefore(n, this.nextSibling); break;
	default: throw new Error('unknown position ' + pos);
	}
	return n;
}`

func (n *pageNode) Insert(el *dom.Element, pos dom.Position) (dom.Node, error) {
	obj, err := n.el.Evaluate(rod.Eval(insertJS, toSpec(el), pos.String()).ByObject())
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", pos, err)
	}
	created, err := n.el.Page().ElementFromObject(obj)
	if err != nil {
		return nil, fmt.Errorf("resolve inserted element: %w", err)
	}
	return &pageNode{el: created}, nil
}

func (n *pageNode) Equal(other dom.Node) (bool, error) {
	o, ok := other.(*pageNode)
	if !ok || o == nil {
		return false, nil
	}
	same, err := n.el.Equal(o.el)
	if err != nil {
		var evalErr *rod.EvalError
		if errors.As(err, &evalErr) {
			return false, nil
		}
		return false, err
	}
	return same, nil
}
