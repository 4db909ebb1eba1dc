package xml

import (
	"fmt"

	"github.com/beevik/etree"
)

// Common XML tag names used in CalDAV
const (
	TagPropfind            = "propfind"
	TagMkcalendar          = "mkcalendar"
	TagSet                 = "set"
	TagProp                = "prop"
	TagAllprop             = "allprop"
	TagMultistatus         = "multistatus"
	TagResponse            = "response"
	TagHref                = "href"
	TagPropstat            = "propstat"
	TagStatus              = "status"
	TagResourcetype        = "resourcetype"
	TagCollection          = "collection"
	TagCalendar            = "calendar"
	TagDisplayname         = "displayname"
	TagGetetag             = "getetag"
	TagCalendarDescription = "calendar-description"
	TagSupportedComponents = "supported-calendar-component-set"
	TagComp                = "comp"
)

// Status lines used inside propstat elements.
const (
	StatusOK       = "HTTP/1.1 200 OK"
	StatusNotFound = "HTTP/1.1 404 Not Found"
)

// Property represents a generic XML property
type Property struct {
	Name        string
	Namespace   string
	TextContent string
	Children    []Property
}

// ToElement converts a Property to an etree.Element
func (p *Property) ToElement() *etree.Element {
	name := p.Name
	if prefix, ok := prefixes[p.Namespace]; ok {
		name = prefix + ":" + name
	}
	elem := etree.NewElement(name)
	if p.TextContent != "" {
		elem.SetText(p.TextContent)
	}
	for _, child := range p.Children {
		elem.AddChild(child.ToElement())
	}
	return elem
}

// FromElement populates a Property from an etree.Element. Namespace prefixes
// are resolved to their namespace URI.
func (p *Property) FromElement(elem *etree.Element) {
	p.Name = elem.Tag
	p.Namespace = elem.NamespaceURI()
	p.TextContent = elem.Text()
	p.Children = nil

	for _, child := range elem.ChildElements() {
		childProp := Property{}
		childProp.FromElement(child)
		p.Children = append(p.Children, childProp)
	}
}

// HasChild reports whether the property has a direct child with the given
// local name.
func (p *Property) HasChild(name string) bool {
	for _, c := range p.Children {
		if c.Name == name {
			return true
		}
	}
	return false
}

func parseDocument(data []byte, root string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("empty document")
	}
	if doc.Root().Tag != root {
		return nil, fmt.Errorf("invalid root tag: %s", doc.Root().Tag)
	}
	return doc.Root(), nil
}

// newDocument starts a document with an XML declaration and a root element
// carrying the standard namespaces.
func newDocument(root string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	doc.CreateElement(root)
	AddNamespaces(doc)
	return doc
}
