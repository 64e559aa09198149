// Package columns holds the column definitions the overlay renders and the derivation
// rules that turn a correlated row into cell text.
package columns

import (
	"fmt"
	"sort"
	"strings"

	"visitoverlay/internal/config"
	"visitoverlay/internal/correlate"
)

// Value is the rendered content of one cell.
type Value struct {
	Text  string
	Muted bool
}

// AnchorKind says where an owned column is inserted.
type AnchorKind int

const (
	AnchorStart AnchorKind = iota
	AnchorEnd
	AnchorAfter
)

// Anchor is an insertion point. Ref names a host column for AnchorAfter.
type Anchor struct {
	Kind AnchorKind
	Ref  string
}

func (a Anchor) String() string {
	switch a.Kind {
	case AnchorEnd:
		return "end"
	case AnchorAfter:
		return "after:" + a.Ref
	}
	return "start"
}

// ParseAnchor parses "start", "end" or "after:<id>". Empty means start.
func ParseAnchor(s string) (Anchor, error) {
	switch {
	case s == "" || s == "start":
		return Anchor{Kind: AnchorStart}, nil
	case s == "end":
		return Anchor{Kind: AnchorEnd}, nil
	case strings.HasPrefix(s, "after:") && len(s) > len("after:"):
		return Anchor{Kind: AnchorAfter, Ref: strings.TrimPrefix(s, "after:")}, nil
	}
	return Anchor{}, fmt.Errorf("invalid anchor %q", s)
}

// Definition describes one column. Owned columns have a Derive function; host columns
// only carry an enabled flag.
type Definition struct {
	ID          string
	Title       string
	Derive      func(*correlate.Row) Value
	Placeholder Value
	Enabled     bool
	Anchor      Anchor
}

// Owned reports whether the overlay creates this column's cells.
func (d Definition) Owned() bool { return d.Derive != nil }

// Value returns the cell content for row, or the placeholder while it is not ready.
func (d Definition) Value(row *correlate.Row) Value {
	if row == nil || !row.Ready || row.Client == nil || d.Derive == nil {
		return d.Placeholder
	}
	return d.Derive(row)
}

// Registry is an ordered set of definitions with unique identifiers.
type Registry struct {
	defs  []Definition
	index map[string]int
}

// NewRegistry builds a registry, rejecting empty or duplicate identifiers.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("column with title %q has no identifier", d.Title)
		}
		if _, dup := r.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate column identifier %q", d.ID)
		}
		r.index[d.ID] = len(r.defs)
		r.defs = append(r.defs, d)
	}
	return r, nil
}

// All returns every definition in registration order.
func (r *Registry) All() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Owned returns the owned definitions in registration order.
func (r *Registry) Owned() []Definition {
	var out []Definition
	for _, d := range r.defs {
		if d.Owned() {
			out = append(out, d)
		}
	}
	return out
}

// Host returns the host column definitions in registration order.
func (r *Registry) Host() []Definition {
	var out []Definition
	for _, d := range r.defs {
		if !d.Owned() {
			out = append(out, d)
		}
	}
	return out
}

// Get looks up a definition by identifier.
func (r *Registry) Get(id string) (Definition, bool) {
	i, ok := r.index[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Owned column identifiers.
const (
	ClientTags     = "client-tags"
	ClientCity     = "client-city"
	ClientCarePlan = "client-careplan"
)

// Default builds the registry from configuration: the owned columns (care plan only with
// the chain enabled) followed by every other configured identifier as a host column.
func Default(cfg *config.Config) (*Registry, error) {
	owned := []Definition{
		{
			ID:          ClientTags,
			Title:       "Client Tags",
			Derive:      deriveTags,
			Placeholder: Value{Text: NoPreference},
		},
		{
			ID:          ClientCity,
			Title:       "Client City",
			Derive:      deriveCity,
			Placeholder: Value{Text: Missing, Muted: true},
		},
	}
	if cfg.Lookup.CarePlanChain {
		owned = append(owned, Definition{
			ID:          ClientCarePlan,
			Title:       "Client Careplan",
			Derive:      deriveCarePlan,
			Placeholder: Value{Text: Missing, Muted: true},
		})
	}

	defs := make([]Definition, 0, len(owned)+len(cfg.Columns))
	known := map[string]bool{ClientTags: true, ClientCity: true, ClientCarePlan: true}
	for _, d := range owned {
		d.Enabled = cfg.IsColumnEnabled(d.ID)
		anchor, err := ParseAnchor(cfg.Anchors[d.ID])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", d.ID, err)
		}
		d.Anchor = anchor
		defs = append(defs, d)
	}

	hostIDs := make([]string, 0, len(cfg.Columns))
	for id := range cfg.Columns {
		if !known[id] {
			hostIDs = append(hostIDs, id)
		}
	}
	sort.Strings(hostIDs)
	for _, id := range hostIDs {
		defs = append(defs, Definition{ID: id, Title: id, Enabled: cfg.Columns[id]})
	}
	return NewRegistry(defs...)
}
