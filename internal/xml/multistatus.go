package xml

import "strings"

// Multistatus is a 207 Multi-Status body.
type Multistatus struct {
	Responses []Response
}

// Response represents a single response within a multistatus
type Response struct {
	Href      string
	PropStats []PropStat
	Status    string
}

// PropStat represents property status in a response
type PropStat struct {
	Props  []Property
	Status string
}

// OK reports whether the propstat status line carries a 2xx code.
func (ps PropStat) OK() bool {
	fields := strings.Fields(ps.Status)
	return len(fields) >= 2 && strings.HasPrefix(fields[1], "2")
}

// Prop returns the first successfully returned property with the given local
// name across all propstats.
func (r Response) Prop(name string) (Property, bool) {
	for _, ps := range r.PropStats {
		if !ps.OK() {
			continue
		}
		for _, p := range ps.Props {
			if p.Name == name {
				return p, true
			}
		}
	}
	return Property{}, false
}

// ParseMultistatus parses a multistatus body.
func ParseMultistatus(data []byte) (*Multistatus, error) {
	root, err := parseDocument(data, TagMultistatus)
	if err != nil {
		return nil, err
	}

	m := &Multistatus{}
	for _, respElem := range root.SelectElements(TagResponse) {
		resp := Response{}

		if hrefElem := respElem.SelectElement(TagHref); hrefElem != nil {
			resp.Href = strings.TrimSpace(hrefElem.Text())
		}
		if statusElem := respElem.SelectElement(TagStatus); statusElem != nil {
			resp.Status = strings.TrimSpace(statusElem.Text())
		}

		for _, propstatElem := range respElem.SelectElements(TagPropstat) {
			propstat := PropStat{}
			if propElem := propstatElem.SelectElement(TagProp); propElem != nil {
				for _, prop := range propElem.ChildElements() {
					property := Property{}
					property.FromElement(prop)
					propstat.Props = append(propstat.Props, property)
				}
			}
			if statusElem := propstatElem.SelectElement(TagStatus); statusElem != nil {
				propstat.Status = strings.TrimSpace(statusElem.Text())
			}
			resp.PropStats = append(resp.PropStats, propstat)
		}

		m.Responses = append(m.Responses, resp)
	}

	return m, nil
}

// Bytes serializes the multistatus body.
func (m *Multistatus) Bytes() ([]byte, error) {
	doc := newDocument("D:" + TagMultistatus)
	root := doc.Root()

	for _, resp := range m.Responses {
		response := root.CreateElement("D:" + TagResponse)
		response.CreateElement("D:" + TagHref).SetText(resp.Href)

		if resp.Status != "" {
			response.CreateElement("D:" + TagStatus).SetText(resp.Status)
			continue
		}
		for _, propstat := range resp.PropStats {
			ps := response.CreateElement("D:" + TagPropstat)
			prop := ps.CreateElement("D:" + TagProp)
			for _, p := range propstat.Props {
				prop.AddChild(p.ToElement())
			}
			ps.CreateElement("D:" + TagStatus).SetText(propstat.Status)
		}
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}
