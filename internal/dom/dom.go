// Package dom defines the document boundary the overlay reads and writes through.
// Components never hold a browser or parser type directly; a live page and a parsed
// HTML snapshot both satisfy Document.
package dom

import "strings"

// Position says where Insert places a new element relative to the receiver.
type Position int

const (
	Append  Position = iota // last child of the receiver
	Prepend                 // first child of the receiver
	Before                  // previous sibling of the receiver
	After                   // next sibling of the receiver
)

func (p Position) String() string {
	switch p {
	case Append:
		return "append"
	case Prepend:
		return "prepend"
	case Before:
		return "before"
	case After:
		return "after"
	}
	return "unknown"
}

// Attr is a single attribute on an Element.
type Attr struct {
	Name  string
	Value string
}

// StyleProp is a single inline style declaration.
type StyleProp struct {
	Name  string
	Value string
}

// Element describes a node to create. It carries no behaviour; backends materialise it.
type Element struct {
	Tag      string
	Classes  []string
	Attrs    []Attr
	Style    []StyleProp
	Text     string
	Children []*Element
}

// StyleAttr renders the inline style declarations as a style attribute value.
func (e *Element) StyleAttr() string {
	parts := make([]string, 0, len(e.Style))
	for _, s := range e.Style {
		parts = append(parts, s.Name+": "+s.Value)
	}
	return strings.Join(parts, "; ")
}

// Node is a live element handle.
//
// Query returns a nil Node and a nil error when nothing matches: an absent element is
// never an error at this boundary.
type Node interface {
	QueryAll(selector string) ([]Node, error)
	Query(selector string) (Node, error)
	Text() (string, error)
	SetText(text string) error
	Attr(name string) (value string, ok bool, err error)
	AttrNames() ([]string, error)
	Style(prop string) (string, error)
	// SetStyle sets an inline style property; an empty value removes it.
	SetStyle(prop, value string) error
	Insert(el *Element, pos Position) (Node, error)
	Equal(other Node) (bool, error)
}

// Observer is an active row observation.
type Observer interface {
	Stop() error
}

// Document is the page the overlay augments.
type Document interface {
	Location() (string, error)
	Query(selector string) (Node, error)
	QueryAll(selector string) ([]Node, error)
	// ObserveRows calls fn with element children matching rowSelector that are added
	// directly under container. fn may be called from any goroutine.
	ObserveRows(container Node, rowSelector string, fn func(rows []Node)) (Observer, error)
}
