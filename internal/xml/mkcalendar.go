package xml

import (
	"errors"
	"strings"
)

// MkcalendarRequest carries the properties set on a new calendar collection.
type MkcalendarRequest struct {
	DisplayName string
	Description string
	// Components lists the supported component names, e.g. VEVENT.
	Components []string
}

// Bytes serializes the request as a MKCALENDAR body.
func (r MkcalendarRequest) Bytes() ([]byte, error) {
	doc := newDocument("C:" + TagMkcalendar)
	prop := doc.Root().CreateElement("D:" + TagSet).CreateElement("D:" + TagProp)

	if r.DisplayName != "" {
		createElement(prop, TagDisplayname).SetText(r.DisplayName)
	}
	if r.Description != "" {
		createElement(prop, TagCalendarDescription).SetText(r.Description)
	}
	if len(r.Components) > 0 {
		set := createElement(prop, TagSupportedComponents)
		for _, c := range r.Components {
			set.CreateElement("C:"+TagComp).CreateAttr("name", c)
		}
	}
	return doc.WriteToBytes()
}

// ParseMkcalendar parses a MKCALENDAR body. A missing set or prop element
// yields an empty request; unknown properties are skipped.
func ParseMkcalendar(data []byte) (MkcalendarRequest, error) {
	var req MkcalendarRequest
	if len(strings.TrimSpace(string(data))) == 0 {
		return req, nil
	}

	root, err := parseDocument(data, TagMkcalendar)
	if err != nil {
		return req, errors.New("invalid MKCALENDAR request: " + err.Error())
	}

	set := root.SelectElement(TagSet)
	if set == nil {
		return req, nil
	}
	prop := set.SelectElement(TagProp)
	if prop == nil {
		return req, nil
	}

	for _, e := range prop.ChildElements() {
		switch strings.ToLower(e.Tag) {
		case TagDisplayname:
			req.DisplayName = e.Text()
		case TagCalendarDescription:
			req.Description = e.Text()
		case TagSupportedComponents:
			for _, c := range e.SelectElements(TagComp) {
				if name := c.SelectAttrValue("name", ""); name != "" {
					req.Components = append(req.Components, name)
				}
			}
		}
	}
	return req, nil
}
