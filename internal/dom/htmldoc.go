package dom

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLDocument is an in-memory Document backed by golang.org/x/net/html.
// It backs offline replay of saved pages and lets callers play the host application:
// AppendHTML, ReplaceHTML and Remove mutate the tree the way a re-rendering host would,
// and notify row observers accordingly.
type HTMLDocument struct {
	mu        sync.Mutex
	root      *html.Node
	location  string
	selectors map[string]cascadia.Selector
	observers []*htmlObserver
	mutations int
}

type htmlObserver struct {
	doc       *HTMLDocument
	container *html.Node
	sel       cascadia.Selector
	fn        func([]Node)
	stopped   bool
}

// ParseHTML parses a full document.
func ParseHTML(r io.Reader, location string) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &HTMLDocument{
		root:      root,
		location:  location,
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

// ParseHTMLString is ParseHTML over a string.
func ParseHTMLString(s, location string) (*HTMLDocument, error) {
	return ParseHTML(strings.NewReader(s), location)
}

// Location returns the document URL.
func (d *HTMLDocument) Location() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location, nil
}

// SetLocation simulates client-side navigation.
func (d *HTMLDocument) SetLocation(location string) {
	d.mu.Lock()
	d.location = location
	d.mu.Unlock()
}

// Mutations counts writes made through Node methods (SetText, SetStyle, Insert).
// Host-side changes made with AppendHTML/ReplaceHTML/Remove are not counted.
func (d *HTMLDocument) Mutations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mutations
}

// Render writes the current tree as HTML.
func (d *HTMLDocument) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// Query returns the first element matching selector, or nil.
func (d *HTMLDocument) Query(selector string) (Node, error) {
	return d.wrap(d.root).Query(selector)
}

// QueryAll returns every element matching selector.
func (d *HTMLDocument) QueryAll(selector string) ([]Node, error) {
	return d.wrap(d.root).QueryAll(selector)
}

// ObserveRows registers fn for rows added under container by AppendHTML or ReplaceHTML.
func (d *HTMLDocument) ObserveRows(container Node, rowSelector string, fn func([]Node)) (Observer, error) {
	c, err := d.unwrap(container)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sel, err := d.compileLocked(rowSelector)
	if err != nil {
		return nil, err
	}
	obs := &htmlObserver{doc: d, container: c, sel: sel, fn: fn}
	d.observers = append(d.observers, obs)
	return obs, nil
}

// Stop ends the observation.
func (o *htmlObserver) Stop() error {
	o.doc.mu.Lock()
	defer o.doc.mu.Unlock()
	o.stopped = true
	kept := o.doc.observers[:0]
	for _, other := range o.doc.observers {
		if other != o {
			kept = append(kept, other)
		}
	}
	o.doc.observers = kept
	return nil
}

// AppendHTML parses fragment in the context of parent and appends the result.
func (d *HTMLDocument) AppendHTML(parent Node, fragment string) ([]Node, error) {
	p, err := d.unwrap(parent)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), p)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	for _, n := range nodes {
		p.AppendChild(n)
	}
	notify := d.pendingNotificationsLocked(p, nodes)
	d.mu.Unlock()

	notify()
	return d.wrapAll(elementsOnly(nodes)), nil
}

// ReplaceChildrenHTML drops every child of parent and appends fragment, as a host does
// when it re-renders a table body.
func (d *HTMLDocument) ReplaceChildrenHTML(parent Node, fragment string) ([]Node, error) {
	p, err := d.unwrap(parent)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	for c := p.FirstChild; c != nil; {
		next := c.NextSibling
		p.RemoveChild(c)
		c = next
	}
	d.mu.Unlock()
	return d.AppendHTML(parent, fragment)
}

// ReplaceHTML swaps node for the parsed fragment, as a host does when it remounts a table.
func (d *HTMLDocument) ReplaceHTML(node Node, fragment string) ([]Node, error) {
	n, err := d.unwrap(node)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	parent := n.Parent
	if parent == nil {
		d.mu.Unlock()
		return nil, errors.New("replace: node has no parent")
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	for _, c := range nodes {
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
	notify := d.pendingNotificationsLocked(parent, nodes)
	d.mu.Unlock()

	notify()
	return d.wrapAll(elementsOnly(nodes)), nil
}

// Remove detaches node from the tree.
func (d *HTMLDocument) Remove(node Node) error {
	n, err := d.unwrap(node)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	return nil
}

func (d *HTMLDocument) pendingNotificationsLocked(parent *html.Node, added []*html.Node) func() {
	type call struct {
		fn   func([]Node)
		rows []Node
	}
	var calls []call
	for _, obs := range d.observers {
		if obs.stopped || obs.container != parent {
			continue
		}
		var rows []Node
		for _, n := range added {
			if n.Type == html.ElementNode && obs.sel.Match(n) {
				rows = append(rows, d.wrap(n))
			}
		}
		if len(rows) > 0 {
			calls = append(calls, call{fn: obs.fn, rows: rows})
		}
	}
	return func() {
		for _, c := range calls {
			c.fn(c.rows)
		}
	}
}

func (d *HTMLDocument) compileLocked(selector string) (cascadia.Selector, error) {
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *HTMLDocument) wrap(n *html.Node) *htmlNode {
	return &htmlNode{doc: d, n: n}
}

func (d *HTMLDocument) wrapAll(ns []*html.Node) []Node {
	out := make([]Node, 0, len(ns))
	for _, n := range ns {
		out = append(out, d.wrap(n))
	}
	return out
}

func (d *HTMLDocument) unwrap(n Node) (*html.Node, error) {
	hn, ok := n.(*htmlNode)
	if !ok || hn == nil || hn.doc != d {
		return nil, fmt.Errorf("node %T does not belong to this document", n)
	}
	return hn.n, nil
}

func elementsOnly(ns []*html.Node) []*html.Node {
	out := make([]*html.Node, 0, len(ns))
	for _, n := range ns {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
	}
	return out
}

type htmlNode struct {
	doc *HTMLDocument
	n   *html.Node
}

func (h *htmlNode) QueryAll(selector string) ([]Node, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	sel, err := h.doc.compileLocked(selector)
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, m := range sel.MatchAll(h.n) {
		if m == h.n {
			continue
		}
		out = append(out, h.doc.wrap(m))
	}
	return out, nil
}

func (h *htmlNode) Query(selector string) (Node, error) {
	all, err := h.QueryAll(selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (h *htmlNode) Text() (string, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	var b strings.Builder
	collectText(h.n, &b)
	return b.String(), nil
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func (h *htmlNode) SetText(text string) error {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	for c := h.n.FirstChild; c != nil; {
		next := c.NextSibling
		h.n.RemoveChild(c)
		c = next
	}
	if text != "" {
		h.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
	h.doc.mutations++
	return nil
}

func (h *htmlNode) Attr(name string) (string, bool, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	v, ok := getAttr(h.n, name)
	return v, ok, nil
}

func (h *htmlNode) AttrNames() ([]string, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	names := make([]string, 0, len(h.n.Attr))
	for _, a := range h.n.Attr {
		names = append(names, a.Key)
	}
	return names, nil
}

func (h *htmlNode) Style(prop string) (string, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	raw, _ := getAttr(h.n, "style")
	for _, decl := range parseStyle(raw) {
		if decl.Name == prop {
			return decl.Value, nil
		}
	}
	return "", nil
}

func (h *htmlNode) SetStyle(prop, value string) error {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	raw, _ := getAttr(h.n, "style")
	decls := parseStyle(raw)

	replaced := false
	kept := decls[:0]
	for _, decl := range decls {
		if decl.Name == prop {
			replaced = true
			if value == "" {
				continue
			}
			decl.Value = value
		}
		kept = append(kept, decl)
	}
	if !replaced && value != "" {
		kept = append(kept, StyleProp{Name: prop, Value: value})
	}

	el := Element{Style: kept}
	if len(kept) == 0 {
		removeAttr(h.n, "style")
	} else {
		setAttr(h.n, "style", el.StyleAttr())
	}
	h.doc.mutations++
	return nil
}

func (h *htmlNode) Insert(el *Element, pos Position) (Node, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()

	created := build(el)
	switch pos {
	case Append:
		h.n.AppendChild(created)
	case Prepend:
		h.n.InsertBefore(created, h.n.FirstChild)
	case Before, After:
		parent := h.n.Parent
		if parent == nil {
			return nil, fmt.Errorf("insert %s: node has no parent", pos)
		}
		ref := h.n
		if pos == After {
			ref = h.n.NextSibling
		}
		parent.InsertBefore(created, ref)
	default:
		return nil, fmt.Errorf("insert: unknown position %d", pos)
	}
	h.doc.mutations++
	return h.doc.wrap(created), nil
}

func (h *htmlNode) Equal(other Node) (bool, error) {
	o, ok := other.(*htmlNode)
	if !ok || o == nil {
		return false, nil
	}
	return o.n == h.n, nil
}

func build(el *Element) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     el.Tag,
		DataAtom: atom.Lookup([]byte(el.Tag)),
	}
	if len(el.Classes) > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: strings.Join(el.Classes, " ")})
	}
	for _, a := range el.Attrs {
		n.Attr = append(n.Attr, html.Attribute{Key: a.Name, Val: a.Value})
	}
	if len(el.Style) > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "style", Val: el.StyleAttr()})
	}
	if el.Text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: el.Text})
	}
	for _, child := range el.Children {
		n.AppendChild(build(child))
	}
	return n
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func parseStyle(raw string) []StyleProp {
	var out []StyleProp
	for _, decl := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		out = append(out, StyleProp{Name: name, Value: value})
	}
	return out
}
