package ics

import (
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Decode parses iCalendar text into an Event.
//
// Only the first VEVENT is read. Parameterized keys such as
// "DTSTART;TZID=Europe/Paris" match their bare name, and lines that are not
// understood are skipped. A missing or unparsable start yields a
// *WireFormatError.
func Decode(data []byte) (Event, error) {
	var (
		ev       Event
		stack    []string
		seenDone bool
	)

	for _, line := range unfold(string(data)) {
		if line == "" {
			continue
		}
		field, value, ok := splitLine(line)
		if !ok {
			continue
		}
		name, params := parseField(field)

		switch name {
		case "BEGIN":
			stack = append(stack, strings.ToUpper(strings.TrimSpace(value)))
			continue
		case "END":
			if len(stack) > 0 {
				if stack[len(stack)-1] == ical.CompEvent {
					seenDone = true
				}
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if seenDone {
			continue
		}

		current := ""
		if len(stack) > 0 {
			current = stack[len(stack)-1]
		}

		switch current {
		case ical.CompAlarm:
			if name == ical.PropTrigger && len(stack) > 1 && stack[len(stack)-2] == ical.CompEvent {
				if minutes, ok := parseTrigger(value); ok {
					ev.Reminders = append(ev.Reminders, minutes)
				}
			}
			continue
		case "", ical.CompCalendar, ical.CompEvent:
		default:
			// VTIMEZONE and friends carry their own DTSTART lines.
			continue
		}

		prop := &ical.Prop{Name: name, Params: params, Value: value}
		switch name {
		case ical.PropUID:
			ev.ID = strings.TrimSpace(value)
		case ical.PropSummary:
			ev.Summary = textValue(prop)
		case ical.PropDescription:
			ev.Description = textValue(prop)
		case ical.PropLocation:
			ev.Location = textValue(prop)
		case ical.PropURL:
			ev.URL = strings.TrimSpace(value)
		case ical.PropStatus:
			ev.Status = Status(strings.ToUpper(strings.TrimSpace(value)))
		case ical.PropRecurrenceRule:
			ev.Recurrence = strings.TrimSpace(value)
		case ical.PropOrganizer:
			ev.Organizer = &Organizer{
				Name:    params.Get(ical.ParamCommonName),
				Address: stripMailto(value),
			}
		case ical.PropAttendee:
			if addr := stripMailto(value); addr != "" {
				ev.Attendees = append(ev.Attendees, addr)
			}
		case ical.PropDateTimeStart:
			t, err := parseTime(prop)
			if err != nil {
				return Event{}, &WireFormatError{Field: "DTSTART", Reason: err.Error()}
			}
			ev.Start = t.UTC()
		case ical.PropDateTimeEnd:
			// A broken end is not fatal; the event falls back to the default duration.
			if t, err := parseTime(prop); err == nil {
				ev.End = t.UTC()
			}
		}
	}

	if ev.Start.IsZero() {
		return Event{}, &WireFormatError{Field: "DTSTART", Reason: "no start time"}
	}
	return ev, nil
}

// parseTime reads a DATE-TIME or DATE value. Floating times are taken as UTC.
func parseTime(prop *ical.Prop) (time.Time, error) {
	t, err := prop.DateTime(time.UTC)
	if err == nil {
		return t, nil
	}
	v := strings.TrimSpace(prop.Value)
	if len(v) == len("20060102") {
		if d, derr := time.ParseInLocation("20060102", v, time.UTC); derr == nil {
			return d, nil
		}
	}
	return time.Time{}, err
}

// unfold joins RFC 5545 continuation lines and normalizes line endings.
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += l[1:]
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// splitLine splits a content line at the first colon that is not inside a
// quoted parameter value.
func splitLine(line string) (field, value string, ok bool) {
	quoted := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				return line[:i], line[i+1:], true
			}
		}
	}
	return "", "", false
}

func parseField(field string) (string, ical.Params) {
	params := make(ical.Params)
	parts := splitParams(field)
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		k, v, found := strings.Cut(p, "=")
		if !found {
			continue
		}
		params.Set(strings.ToUpper(k), strings.Trim(v, `"`))
	}
	return name, params
}

func splitParams(field string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(field); i++ {
		switch field[i] {
		case '"':
			quoted = !quoted
		case ';':
			if !quoted {
				parts = append(parts, field[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, field[start:])
}

func textValue(prop *ical.Prop) string {
	text, err := prop.Text()
	if err != nil {
		return unescapeText(prop.Value)
	}
	return text
}

func unescapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func stripMailto(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

// parseTrigger reads a relative duration TRIGGER and returns minutes before
// the start. Absolute triggers are not supported.
func parseTrigger(v string) (int, bool) {
	v = strings.TrimSpace(strings.ToUpper(v))
	if v == "" {
		return 0, false
	}
	before := false
	switch v[0] {
	case '-':
		before = true
		v = v[1:]
	case '+':
		v = v[1:]
	}
	if !strings.HasPrefix(v, "P") {
		return 0, false
	}
	v = v[1:]

	var (
		total  time.Duration
		num    strings.Builder
		inTime bool
	)
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= '0' && c <= '9':
			num.WriteByte(c)
			continue
		case c == 'T':
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, false
		}
		num.Reset()
		switch {
		case c == 'W':
			total += time.Duration(n) * 7 * 24 * time.Hour
		case c == 'D':
			total += time.Duration(n) * 24 * time.Hour
		case c == 'H' && inTime:
			total += time.Duration(n) * time.Hour
		case c == 'M' && inTime:
			total += time.Duration(n) * time.Minute
		case c == 'S' && inTime:
			total += time.Duration(n) * time.Second
		default:
			return 0, false
		}
	}
	if num.Len() > 0 {
		return 0, false
	}

	minutes := int(total / time.Minute)
	if !before {
		minutes = -minutes
	}
	return minutes, true
}
