package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const productID = "-//github.com/cyp0633/meetsync//NONSGML v1.0//EN"

// now is swapped in tests to pin DTSTAMP.
var now = time.Now

// Encode renders ev as a VCALENDAR object with a single VEVENT.
// Times are written in UTC.
func Encode(ev Event) ([]byte, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if ev.Summary == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrInvalidEvent)
	}
	if ev.Start.IsZero() {
		return nil, fmt.Errorf("%w: missing start", ErrInvalidEvent)
	}
	if ev.Recurrence != "" {
		if _, err := rrule.StrToROption(ev.Recurrence); err != nil {
			return nil, fmt.Errorf("%w: bad recurrence rule: %v", ErrInvalidEvent, err)
		}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	stamp := now().UTC().Truncate(time.Second)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, ev.ID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	event.Props.SetDateTime(ical.PropCreated, stamp)
	event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, ev.EffectiveEnd().UTC())
	summary := normalizeNewlines(ev.Summary)
	event.Props.SetText(ical.PropSummary, summary)

	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, normalizeNewlines(ev.Description))
	}
	if ev.Location != "" {
		event.Props.SetText(ical.PropLocation, normalizeNewlines(ev.Location))
	}
	if ev.URL != "" {
		event.Props.Set(&ical.Prop{Name: ical.PropURL, Params: make(ical.Params), Value: ev.URL})
	}
	if ev.Status != "" {
		event.Props.SetText(ical.PropStatus, strings.ToUpper(string(ev.Status)))
	}
	if ev.Organizer != nil && ev.Organizer.Address != "" {
		prop := &ical.Prop{Name: ical.PropOrganizer, Params: make(ical.Params), Value: "mailto:" + ev.Organizer.Address}
		if ev.Organizer.Name != "" {
			prop.Params.Set(ical.ParamCommonName, paramValue(ev.Organizer.Name))
		}
		event.Props.Set(prop)
	}
	for _, attendee := range ev.Attendees {
		if attendee == "" {
			continue
		}
		event.Props.Add(&ical.Prop{Name: ical.PropAttendee, Params: make(ical.Params), Value: "mailto:" + attendee})
	}
	if ev.Recurrence != "" {
		event.Props.Set(&ical.Prop{Name: ical.PropRecurrenceRule, Params: make(ical.Params), Value: ev.Recurrence})
	}

	for _, minutes := range ev.Reminders {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, summary)
		alarm.Props.Set(&ical.Prop{Name: ical.PropTrigger, Params: make(ical.Params), Value: formatTrigger(minutes)})
		event.Children = append(event.Children, alarm)
	}

	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// normalizeNewlines turns CRLF and bare CR into LF, the only line break a
// TEXT value can carry once escaped.
func normalizeNewlines(s string) string {
	return newlines.Replace(s)
}

// paramValue makes s usable as a parameter value, which may hold neither
// double quotes nor line breaks.
func paramValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"':
			return '\''
		case '\r', '\n':
			return ' '
		}
		return r
	}, normalizeNewlines(s))
}

// formatTrigger writes a relative TRIGGER for an alarm fired minutes before
// the start. Negative minutes fire after the start.
func formatTrigger(minutes int) string {
	if minutes < 0 {
		return fmt.Sprintf("PT%dM", -minutes)
	}
	if minutes == 0 {
		return "PT0M"
	}
	return fmt.Sprintf("-PT%dM", minutes)
}
