package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
)

// prefixes maps a namespace to the prefix written on the wire.
var prefixes = map[string]string{
	DAV:    "D",
	CalDAV: "C",
}

// propNamespaces maps the properties this package knows to their namespace.
var propNamespaces = map[string]string{
	TagResourcetype:        DAV,
	TagDisplayname:         DAV,
	TagGetetag:             DAV,
	TagCalendarDescription: CalDAV,
	TagSupportedComponents: CalDAV,
}

// AddNamespaces adds standard CalDAV namespaces to the XML document
func AddNamespaces(doc *etree.Document) {
	root := doc.Root()
	if root == nil {
		return
	}
	root.CreateAttr("xmlns:D", DAV)
	root.CreateAttr("xmlns:C", CalDAV)
}

// createElement adds a child with the prefix for the property's namespace.
// Unknown names go in the DAV namespace.
func createElement(parent *etree.Element, tag string) *etree.Element {
	ns, ok := propNamespaces[tag]
	if !ok {
		ns = DAV
	}
	return parent.CreateElement(prefixes[ns] + ":" + tag)
}
