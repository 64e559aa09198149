package adapter

import (
	"fmt"

	"visitoverlay/internal/dom"
)

// currentBuilder produces PrimeVue-style cells.
type currentBuilder struct{}

func (currentBuilder) Header(title, id string) *dom.Element {
	return &dom.Element{
		Tag:     "th",
		Classes: []string{id},
		Attrs:   []dom.Attr{{Name: "role", Value: "cell"}, {Name: OwnedAttr, Value: id}},
		Style:   []dom.StyleProp{{Name: "min-width", Value: "5rem"}},
		Children: []*dom.Element{{
			Tag:      "div",
			Classes:  []string{"p-column-header-content"},
			Children: []*dom.Element{{Tag: "span", Classes: []string{"p-column-title"}, Text: title}},
		}},
	}
}

func (currentBuilder) Cell(id, text string, muted bool) *dom.Element {
	style := []dom.StyleProp{{Name: "min-width", Value: "10rem"}}
	if muted {
		style = append(style, dom.StyleProp{Name: "color", Value: MutedColor})
	}
	return &dom.Element{
		Tag:     "td",
		Classes: []string{id},
		Attrs:   []dom.Attr{{Name: "role", Value: "cell"}, {Name: OwnedAttr, Value: id}},
		Style:   style,
		Text:    text,
	}
}

func (currentBuilder) TextSelector() string { return "" }

func (currentBuilder) HostHeader(id string) string {
	return fmt.Sprintf(`th[data-test="column-%s"]`, id)
}

func (currentBuilder) HostCell(id string) string {
	return fmt.Sprintf(`td[data-test="data-table-column-%s"]`, id)
}

// legacyBuilder produces cells for the older Vue datatable. scope is the data-v-*
// attribute the host's scoped styles key on.
type legacyBuilder struct {
	scope string
}

func (b legacyBuilder) attrs(id string) []dom.Attr {
	attrs := []dom.Attr{{Name: OwnedAttr, Value: id}}
	if b.scope != "" {
		attrs = append(attrs, dom.Attr{Name: b.scope, Value: ""})
	}
	return attrs
}

func (b legacyBuilder) Header(title, id string) *dom.Element {
	return &dom.Element{
		Tag:     "th",
		Classes: []string{"datatable-column___" + id, id},
		Attrs:   b.attrs(id),
		Style:   []dom.StyleProp{{Name: "width", Value: "5%"}},
		Children: []*dom.Element{{
			Tag:     "div",
			Classes: []string{"column-contents"},
			Style:   []dom.StyleProp{{Name: "position", Value: "relative"}},
			Text:    title,
		}},
	}
}

func (b legacyBuilder) Cell(id, text string, muted bool) *dom.Element {
	holder := &dom.Element{Tag: "span", Classes: []string{"break-line"}, Text: text}
	if muted {
		holder.Style = []dom.StyleProp{{Name: "color", Value: MutedColor}}
	}
	return &dom.Element{
		Tag:      "td",
		Classes:  []string{"datatable-column___" + id, id},
		Attrs:    b.attrs(id),
		Style:    []dom.StyleProp{{Name: "height", Value: "40px"}},
		Children: []*dom.Element{{Tag: "span", Children: []*dom.Element{holder}}},
	}
}

func (legacyBuilder) TextSelector() string { return "span.break-line" }

func (legacyBuilder) HostHeader(id string) string {
	return fmt.Sprintf(`th.datatable-column___%s`, id)
}

func (legacyBuilder) HostCell(id string) string {
	return fmt.Sprintf(`td.datatable-column___%s`, id)
}
