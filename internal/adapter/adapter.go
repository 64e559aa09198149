// Package adapter recognises which of the host's two table markups is on the page and
// hides the difference behind one selector set and one element-construction strategy.
package adapter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"visitoverlay/internal/dom"
)

// ErrNotReady is returned when no known table marker is present yet.
var ErrNotReady = errors.New("no recognised table on page")

// Variant names a table markup.
type Variant string

const (
	Current Variant = "current"
	Legacy  Variant = "legacy"
)

// OwnedAttr marks every cell the overlay creates; its value is the column identifier.
const OwnedAttr = "data-overlay-column"

// MutedColor is the text colour of placeholder values.
const MutedColor = "#ccc"

// Selectors locate the parts of a table in one variant.
type Selectors struct {
	Table      string
	Head       string
	HeaderCell string
	Body       string
	Row        string
	Cell       string
}

// HeaderRow is the selector for the header row under the table.
func (s Selectors) HeaderRow() string { return s.Head + " > " + s.Row }

// BodyRows is the selector for body rows under the table.
func (s Selectors) BodyRows() string { return s.Body + " > " + s.Row }

// Builder constructs cells in a variant's idiom.
type Builder interface {
	Header(title, id string) *dom.Element
	Cell(id, text string, muted bool) *dom.Element
	// TextSelector finds the node holding a created cell's text; empty means the cell itself.
	TextSelector() string
	// HostHeader and HostCell find the host's own cells for a column identifier.
	HostHeader(id string) string
	HostCell(id string) string
}

// variantDef ties a variant to its selectors and a builder factory. scope is the
// structural attribute read from the live table at lock time.
type variantDef struct {
	name      Variant
	selectors Selectors
	newBuild  func(scope string) Builder
}

// probeOrder is the fixed detection priority.
var probeOrder = []variantDef{
	{
		name: Current,
		selectors: Selectors{
			Table:      `table[role="table"].p-datatable-table`,
			Head:       `thead[role="rowgroup"].p-datatable-thead`,
			HeaderCell: `th[role="cell"]`,
			Body:       `tbody[role="rowgroup"].p-datatable-tbody`,
			Row:        `tr[role="row"]`,
			Cell:       `td[role="cell"]`,
		},
		newBuild: func(string) Builder { return currentBuilder{} },
	},
	{
		name: Legacy,
		selectors: Selectors{
			Table:      `table#datatable`,
			Head:       `thead`,
			HeaderCell: `th`,
			Body:       `tbody`,
			Row:        `tr`,
			Cell:       `td`,
		},
		newBuild: func(scope string) Builder { return legacyBuilder{scope: scope} },
	},
}

// Adapter locks onto the first variant found and keeps it for the session.
type Adapter struct {
	locked    bool
	variant   Variant
	selectors Selectors
	builder   Builder
	scope     string
}

// New returns an unlocked adapter.
func New() *Adapter {
	return &Adapter{}
}

// Probe looks for a table marker in priority order and locks the first match.
// Once locked it returns true without touching the document.
func (a *Adapter) Probe(doc dom.Document) (bool, error) {
	if a.locked {
		return true, nil
	}
	for _, v := range probeOrder {
		table, err := doc.Query(v.selectors.Table)
		if err != nil {
			return false, fmt.Errorf("probe %s: %w", v.name, err)
		}
		if table == nil {
			continue
		}
		scope, err := scopeAttr(table, v.selectors.HeaderCell)
		if err != nil {
			return false, fmt.Errorf("probe %s: %w", v.name, err)
		}
		a.locked = true
		a.variant = v.name
		a.selectors = v.selectors
		a.scope = scope
		a.builder = v.newBuild(scope)
		return true, nil
	}
	return false, nil
}

// scopeAttr returns the first data-v-* attribute name on a header cell. Vue uses it for
// scoped styles; cells without it are not styled like the host's own.
func scopeAttr(table dom.Node, headerCell string) (string, error) {
	th, err := table.Query(headerCell)
	if err != nil || th == nil {
		return "", err
	}
	names, err := th.AttrNames()
	if err != nil {
		return "", err
	}
	for _, n := range names {
		if strings.HasPrefix(n, "data-v-") {
			return n, nil
		}
	}
	return "", nil
}

// Locked reports whether a variant has been chosen.
func (a *Adapter) Locked() bool { return a.locked }

// Variant returns the locked variant, or "" before locking.
func (a *Adapter) Variant() Variant { return a.variant }

// Selectors returns the locked selector set.
func (a *Adapter) Selectors() Selectors { return a.selectors }

// Builder returns the locked construction strategy, or nil before locking.
func (a *Adapter) Builder() Builder { return a.builder }

// Scope returns the structural attribute copied onto legacy cells.
func (a *Adapter) Scope() string { return a.scope }

// Table returns the live table, or nil.
func (a *Adapter) Table(doc dom.Document) (dom.Node, error) {
	if !a.locked {
		return nil, ErrNotReady
	}
	return doc.Query(a.selectors.Table)
}

// HeaderRow returns the live header row, or nil.
func (a *Adapter) HeaderRow(doc dom.Document) (dom.Node, error) {
	table, err := a.Table(doc)
	if err != nil || table == nil {
		return nil, err
	}
	return table.Query(a.selectors.HeaderRow())
}

// Body returns the live row container, or nil.
func (a *Adapter) Body(doc dom.Document) (dom.Node, error) {
	table, err := a.Table(doc)
	if err != nil || table == nil {
		return nil, err
	}
	return table.Query(a.selectors.Body)
}

// Rows returns every body row.
func (a *Adapter) Rows(doc dom.Document) ([]dom.Node, error) {
	table, err := a.Table(doc)
	if err != nil || table == nil {
		return nil, err
	}
	return table.QueryAll(a.selectors.BodyRows())
}

var clientHref = regexp.MustCompile(`/clients/(\d+)`)

// RowIdentity extracts the visit id and, when linked, the client id of a body row.
func RowIdentity(row dom.Node) (visitID, clientID string, err error) {
	link, err := row.Query(".visit_link")
	if err != nil {
		return "", "", err
	}
	if link != nil {
		text, err := link.Text()
		if err != nil {
			return "", "", err
		}
		visitID = strings.TrimSpace(text)
	}
	if visitID == "" {
		if id, ok, err := row.Attr("id"); err != nil {
			return "", "", err
		} else if ok {
			visitID = strings.TrimSpace(id)
		}
	}

	client, err := row.Query(`a[href*="/clients/"]`)
	if err != nil {
		return "", "", err
	}
	if client != nil {
		href, _, err := client.Attr("href")
		if err != nil {
			return "", "", err
		}
		if m := clientHref.FindStringSubmatch(href); m != nil {
			clientID = m[1]
		}
	}
	return visitID, clientID, nil
}

// OwnedSelector finds the overlay's own cell (header or body) for a column.
func OwnedSelector(id string) string {
	return fmt.Sprintf(`[%s=%q]`, OwnedAttr, id)
}
