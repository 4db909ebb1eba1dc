// Package ics converts calendar events to and from their iCalendar wire form.
//
// Encoding goes through go-ical so the output is a well-formed VCALENDAR object
// that CalDAV servers accept. Decoding is a tolerant single pass over the text
// lines: unknown content is skipped, and the only hard failure is a missing
// start time.
package ics

import (
	"errors"
	"fmt"
	"time"
)

// Status is the VEVENT STATUS value.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusCancelled Status = "CANCELLED"
)

// DefaultDuration is used for DTEND when an event has no end time.
const DefaultDuration = time.Hour

// Organizer is the ORGANIZER of an event.
type Organizer struct {
	Name    string
	Address string
}

// Event is the calendar event value exchanged with the remote store.
// A zero End means the end is absent.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Location    string
	URL         string
	Status      Status
	Organizer   *Organizer
	Attendees   []string
	// Recurrence is an RRULE value kept verbatim, never expanded. Encode
	// rejects rules that do not parse.
	Recurrence string
	// Reminders holds alarm offsets in minutes before Start.
	Reminders []int
}

// EffectiveEnd returns End, or Start plus DefaultDuration when End is absent.
func (e Event) EffectiveEnd() time.Time {
	if e.End.IsZero() {
		return e.Start.Add(DefaultDuration)
	}
	return e.End
}

// ErrInvalidEvent is returned by Encode for events missing required fields.
var ErrInvalidEvent = errors.New("ics: invalid event")

// WireFormatError reports iCalendar text that cannot be turned into a usable
// Event. Callers must reject the input rather than fill in defaults.
type WireFormatError struct {
	Field  string
	Reason string
}

func (e *WireFormatError) Error() string {
	return fmt.Sprintf("ics: malformed %s: %s", e.Field, e.Reason)
}
