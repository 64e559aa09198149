// Package render writes the overlay's columns into the host table.
//
// Every write is an upsert keyed by column identifier: a cell is created only when the
// row has none for that identifier, and an existing cell is written only when its text,
// colour or visibility differs from what the correlated row calls for. Rendering the same
// data twice therefore touches nothing.
package render

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"visitoverlay/internal/adapter"
	"visitoverlay/internal/columns"
	"visitoverlay/internal/correlate"
	"visitoverlay/internal/dom"
)

// Rows is the correlation map as the renderer sees it.
type Rows interface {
	Row(visitID string) *correlate.Row
	// Track creates an entry for a visit first seen in the DOM.
	Track(ctx context.Context, visitID, clientID string) bool
}

// Renderer paints owned columns and hides disabled host columns.
type Renderer struct {
	doc     dom.Document
	adapter *adapter.Adapter
	reg     *columns.Registry
	rows    Rows
	log     *zap.Logger
}

// New creates a Renderer. The adapter must be locked before any render call.
func New(doc dom.Document, a *adapter.Adapter, reg *columns.Registry, rows Rows, log *zap.Logger) *Renderer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{doc: doc, adapter: a, reg: reg, rows: rows, log: log}
}

type cellKind int

const (
	headerCell cellKind = iota
	bodyCell
)

// EnsureHeaders creates the header cell of every enabled owned column that has none and
// hides the header cells of disabled host columns. A missing header row is a no-op.
func (r *Renderer) EnsureHeaders() error {
	header, err := r.adapter.HeaderRow(r.doc)
	if err != nil || header == nil {
		return err
	}
	b := r.adapter.Builder()
	for _, def := range r.reg.Owned() {
		if !def.Enabled {
			continue
		}
		existing, err := header.Query(adapter.OwnedSelector(def.ID))
		if err != nil {
			return fmt.Errorf("find header %s: %w", def.ID, err)
		}
		if existing != nil {
			continue
		}
		if _, err := r.insert(header, headerCell, def, b.Header(def.Title, def.ID)); err != nil {
			return fmt.Errorf("insert header %s: %w", def.ID, err)
		}
		r.log.Debug("header created", zap.String("column", def.ID))
	}
	return r.hideHost(header, b.HostHeader)
}

// RenderAll ensures headers and renders every body row. Row failures are logged and do
// not stop the pass.
func (r *Renderer) RenderAll(ctx context.Context) error {
	if err := r.EnsureHeaders(); err != nil {
		return err
	}
	rows, err := r.adapter.Rows(r.doc)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := r.RenderRow(ctx, row); err != nil {
			r.log.Warn("row not rendered", zap.Error(err))
		}
	}
	return nil
}

// RenderRows renders the given rows, as reported by a row observer.
func (r *Renderer) RenderRows(ctx context.Context, rows []dom.Node) {
	if err := r.EnsureHeaders(); err != nil {
		r.log.Warn("headers not ensured", zap.Error(err))
	}
	for _, row := range rows {
		if err := r.RenderRow(ctx, row); err != nil {
			r.log.Warn("row not rendered", zap.Error(err))
		}
	}
}

// UpdateVisit re-renders the rows showing visitID. Rows that are gone are a no-op.
func (r *Renderer) UpdateVisit(ctx context.Context, visitID string) error {
	if !r.adapter.Locked() {
		return nil
	}
	rows, err := r.adapter.Rows(r.doc)
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _, err := adapter.RowIdentity(row)
		if err != nil {
			return err
		}
		if id != visitID {
			continue
		}
		if err := r.RenderRow(ctx, row); err != nil {
			return fmt.Errorf("render visit %s: %w", visitID, err)
		}
	}
	return nil
}

// RenderRow upserts one body cell per defined owned column. A row whose visit is not yet
// known is tracked so its lookup starts.
func (r *Renderer) RenderRow(ctx context.Context, row dom.Node) error {
	visitID, clientID, err := adapter.RowIdentity(row)
	if err != nil {
		return err
	}
	if visitID == "" {
		return nil
	}
	data := r.rows.Row(visitID)
	if data == nil {
		if r.rows.Track(ctx, visitID, clientID) {
			r.log.Debug("visit tracked from row", zap.String("visit_id", visitID), zap.String("client_id", clientID))
		}
		data = r.rows.Row(visitID)
	}

	b := r.adapter.Builder()
	for _, def := range r.reg.Owned() {
		val := def.Value(data)
		cell, err := row.Query(adapter.OwnedSelector(def.ID))
		if err != nil {
			return fmt.Errorf("find cell %s: %w", def.ID, err)
		}
		if cell == nil {
			el := b.Cell(def.ID, val.Text, val.Muted)
			if !def.Enabled {
				el.Style = append(el.Style, dom.StyleProp{Name: "display", Value: "none"})
			}
			if _, err := r.insert(row, bodyCell, def, el); err != nil {
				return fmt.Errorf("insert cell %s: %w", def.ID, err)
			}
			continue
		}
		if err := r.update(cell, def, val); err != nil {
			return fmt.Errorf("update cell %s: %w", def.ID, err)
		}
	}
	return r.hideHost(row, b.HostCell)
}

// update writes only what differs.
func (r *Renderer) update(cell dom.Node, def columns.Definition, val columns.Value) error {
	holder := cell
	if sel := r.adapter.Builder().TextSelector(); sel != "" {
		h, err := cell.Query(sel)
		if err != nil {
			return err
		}
		if h == nil {
			return nil
		}
		holder = h
	}

	text, err := holder.Text()
	if err != nil {
		return err
	}
	if text != val.Text {
		if err := holder.SetText(val.Text); err != nil {
			return err
		}
	}

	want := ""
	if val.Muted {
		want = adapter.MutedColor
	}
	if err := setStyleIfDiffers(holder, "color", want); err != nil {
		return err
	}

	display := ""
	if !def.Enabled {
		display = "none"
	}
	return setStyleIfDiffers(cell, "display", display)
}

func setStyleIfDiffers(n dom.Node, prop, want string) error {
	have, err := n.Style(prop)
	if err != nil {
		return err
	}
	if have == want {
		return nil
	}
	return n.SetStyle(prop, want)
}

// hideHost hides the cells of disabled host columns under parent, found by identifier.
func (r *Renderer) hideHost(parent dom.Node, selector func(id string) string) error {
	for _, def := range r.reg.Host() {
		if def.Enabled {
			continue
		}
		cells, err := parent.QueryAll(selector(def.ID))
		if err != nil {
			return fmt.Errorf("find host column %s: %w", def.ID, err)
		}
		for _, c := range cells {
			if err := setStyleIfDiffers(c, "display", "none"); err != nil {
				return err
			}
		}
	}
	return nil
}

// insert places el in parent at def's anchor. Columns sharing an anchor keep registry
// order: el goes right after the nearest earlier column with the same anchor that is
// present, and only falls back to the anchor itself when there is none.
func (r *Renderer) insert(parent dom.Node, kind cellKind, def columns.Definition, el *dom.Element) (dom.Node, error) {
	prev, err := r.previousSibling(parent, def)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return prev.Insert(el, dom.After)
	}

	switch def.Anchor.Kind {
	case columns.AnchorEnd:
		return parent.Insert(el, dom.Append)
	case columns.AnchorAfter:
		b := r.adapter.Builder()
		sel := b.HostCell(def.Anchor.Ref)
		if kind == headerCell {
			sel = b.HostHeader(def.Anchor.Ref)
		}
		ref, err := parent.Query(sel)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			r.log.Debug("anchor column missing, appending",
				zap.String("column", def.ID), zap.String("anchor", def.Anchor.String()))
			return parent.Insert(el, dom.Append)
		}
		return ref.Insert(el, dom.After)
	}
	return parent.Insert(el, dom.Prepend)
}

func (r *Renderer) previousSibling(parent dom.Node, def columns.Definition) (dom.Node, error) {
	var prev dom.Node
	for _, other := range r.reg.Owned() {
		if other.ID == def.ID {
			return prev, nil
		}
		if other.Anchor != def.Anchor {
			continue
		}
		n, err := parent.Query(adapter.OwnedSelector(other.ID))
		if err != nil {
			return nil, err
		}
		if n != nil {
			prev = n
		}
	}
	return prev, nil
}
