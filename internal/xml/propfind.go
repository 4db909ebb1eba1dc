package xml

import "strings"

// NewPropfind builds a PROPFIND body asking for the given properties.
// With no properties it asks for allprop.
func NewPropfind(props ...string) ([]byte, error) {
	doc := newDocument("D:" + TagPropfind)
	root := doc.Root()

	if len(props) == 0 {
		root.CreateElement("D:" + TagAllprop)
		return doc.WriteToBytes()
	}

	prop := root.CreateElement("D:" + TagProp)
	for _, p := range props {
		createElement(prop, p)
	}
	return doc.WriteToBytes()
}

// ParsePropfind returns the local names of the requested properties. An empty
// body or allprop yields nil, meaning every property.
func ParsePropfind(data []byte) ([]string, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	root, err := parseDocument(data, TagPropfind)
	if err != nil {
		return nil, err
	}
	if root.SelectElement(TagAllprop) != nil {
		return nil, nil
	}

	var names []string
	if prop := root.SelectElement(TagProp); prop != nil {
		for _, e := range prop.ChildElements() {
			names = append(names, strings.ToLower(e.Tag))
		}
	}
	return names, nil
}
