package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinNow(t *testing.T, ts time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = orig })
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pinNow(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	start := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	ev := Event{
		ID:          "meeting-42",
		Summary:     "Quarterly review",
		Description: "Agenda:\n1. numbers, trends; risks\n2. plans",
		Start:       start,
		End:         start.Add(90 * time.Minute),
		Location:    "Room 4",
		URL:         "https://meet.example.com/abc",
		Status:      StatusConfirmed,
		Organizer:   &Organizer{Name: "Alice", Address: "alice@example.com"},
		Attendees:   []string{"bob@example.com", "carol@example.com"},
		Recurrence:  "FREQ=WEEKLY;COUNT=4",
		Reminders:   []int{15, 60},
	}

	data, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Summary, got.Summary)
	assert.Equal(t, ev.Description, got.Description)
	assert.True(t, ev.Start.Equal(got.Start))
	assert.True(t, ev.End.Equal(got.End))
	assert.Equal(t, ev.Location, got.Location)
	assert.Equal(t, ev.URL, got.URL)
	assert.Equal(t, ev.Status, got.Status)
	require.NotNil(t, got.Organizer)
	assert.Equal(t, *ev.Organizer, *got.Organizer)
	assert.Equal(t, ev.Attendees, got.Attendees)
	assert.Equal(t, ev.Recurrence, got.Recurrence)
	assert.ElementsMatch(t, ev.Reminders, got.Reminders)

	t.Run("form line breaks", func(t *testing.T) {
		data, err := Encode(Event{
			ID:          "meeting-43",
			Summary:     "Review\r\nfollow-up",
			Description: "first\r\nsecond\rthird",
			Location:    "Building A\r\nRoom 4",
			Start:       start,
			Reminders:   []int{5},
		})
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "Review\nfollow-up", got.Summary)
		assert.Equal(t, "first\nsecond\nthird", got.Description)
		assert.Equal(t, "Building A\nRoom 4", got.Location)
	})

	t.Run("quotes in organizer name", func(t *testing.T) {
		data, err := Encode(Event{
			ID:        "meeting-44",
			Summary:   "Review",
			Start:     start,
			Organizer: &Organizer{Name: `Jane "JJ" Smith`, Address: "jane@example.com"},
		})
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		require.NotNil(t, got.Organizer)
		assert.Equal(t, "Jane 'JJ' Smith", got.Organizer.Name)
		assert.Equal(t, "jane@example.com", got.Organizer.Address)
	})
}

func TestEncode(t *testing.T) {
	start := time.Date(2024, 5, 6, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))

	t.Run("writes utc times and default end", func(t *testing.T) {
		data, err := Encode(Event{ID: "a", Summary: "Standup", Start: start})
		require.NoError(t, err)

		text := string(data)
		assert.Contains(t, text, "BEGIN:VCALENDAR")
		assert.Contains(t, text, "BEGIN:VEVENT")
		assert.Contains(t, text, "UID:a")
		assert.Contains(t, text, "DTSTART:20240506T120000Z")
		assert.Contains(t, text, "DTEND:20240506T130000Z")
		assert.NotContains(t, text, "BEGIN:VALARM")
	})

	t.Run("writes one alarm per reminder", func(t *testing.T) {
		data, err := Encode(Event{ID: "a", Summary: "Standup", Start: start, Reminders: []int{10, 0}})
		require.NoError(t, err)

		text := string(data)
		assert.Equal(t, 2, strings.Count(text, "BEGIN:VALARM"))
		assert.Contains(t, text, "TRIGGER:-PT10M")
		assert.Contains(t, text, "TRIGGER:PT0M")
	})

	tests := []struct {
		name string
		ev   Event
	}{
		{name: "missing id", ev: Event{Summary: "x", Start: start}},
		{name: "missing summary", ev: Event{ID: "a", Start: start}},
		{name: "missing start", ev: Event{ID: "a", Summary: "x"}},
		{name: "bad recurrence", ev: Event{ID: "a", Summary: "x", Start: start, Recurrence: "FREQ=FORTNIGHTLY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "parameterized keys and folded lines",
			input: "BEGIN:VCALENDAR\r\n" +
				"BEGIN:VEVENT\r\n" +
				"UID:xyz\r\n" +
				"SUMMARY;LANGUAGE=en:Planning\r\n" +
				"  session\r\n" +
				"DTSTART;TZID=Europe/Berlin:20240115T100000\r\n" +
				"DTEND;TZID=Europe/Berlin:20240115T110000\r\n" +
				"END:VEVENT\r\n" +
				"END:VCALENDAR\r\n",
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "xyz", ev.ID)
				assert.Equal(t, "Planning session", ev.Summary)
				assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), ev.Start)
				assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), ev.End)
			},
		},
		{
			name: "unknown lines are skipped",
			input: "BEGIN:VEVENT\n" +
				"X-WR-CUSTOM:whatever\n" +
				"garbage without colon\n" +
				"DTSTART:20240201T080000Z\n" +
				"SUMMARY:Sync\n" +
				"END:VEVENT\n",
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "Sync", ev.Summary)
				assert.Equal(t, time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC), ev.Start)
				assert.True(t, ev.End.IsZero())
				assert.Equal(t, ev.Start.Add(time.Hour), ev.EffectiveEnd())
			},
		},
		{
			name: "alarm description does not replace event description",
			input: "BEGIN:VEVENT\n" +
				"DTSTART:20240201T080000Z\n" +
				"DESCRIPTION:line one\\nline two\\, with comma\n" +
				"BEGIN:VALARM\n" +
				"ACTION:DISPLAY\n" +
				"DESCRIPTION:Reminder\n" +
				"TRIGGER:-PT1H30M\n" +
				"END:VALARM\n" +
				"END:VEVENT\n",
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "line one\nline two, with comma", ev.Description)
				assert.Equal(t, []int{90}, ev.Reminders)
			},
		},
		{
			name: "timezone definitions are ignored",
			input: "BEGIN:VCALENDAR\n" +
				"BEGIN:VTIMEZONE\n" +
				"TZID:Europe/Berlin\n" +
				"BEGIN:STANDARD\n" +
				"DTSTART:19701025T030000\n" +
				"END:STANDARD\n" +
				"END:VTIMEZONE\n" +
				"BEGIN:VEVENT\n" +
				"DTSTART:20240301T120000Z\n" +
				"END:VEVENT\n" +
				"END:VCALENDAR\n",
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), ev.Start)
			},
		},
		{
			name: "organizer with quoted common name",
			input: "BEGIN:VEVENT\n" +
				"DTSTART:20240301T120000Z\n" +
				"ORGANIZER;CN=\"Smith, Jane\":MAILTO:jane@example.com\n" +
				"STATUS:cancelled\n" +
				"END:VEVENT\n",
			check: func(t *testing.T, ev Event) {
				require.NotNil(t, ev.Organizer)
				assert.Equal(t, "Smith, Jane", ev.Organizer.Name)
				assert.Equal(t, "jane@example.com", ev.Organizer.Address)
				assert.Equal(t, StatusCancelled, ev.Status)
			},
		},
		{
			name: "all-day start",
			input: "BEGIN:VEVENT\n" +
				"DTSTART;VALUE=DATE:20240704\n" +
				"END:VEVENT\n",
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), ev.Start)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecodeMissingStart(t *testing.T) {
	inputs := []string{
		"",
		"BEGIN:VEVENT\nSUMMARY:No start\nEND:VEVENT\n",
		"BEGIN:VEVENT\nDTSTART:not-a-date\nEND:VEVENT\n",
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		var wfe *WireFormatError
		require.True(t, errors.As(err, &wfe), "input %q", in)
		assert.Equal(t, "DTSTART", wfe.Field)
	}
}

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"-PT15M", 15, true},
		{"-P1D", 1440, true},
		{"-P1W", 10080, true},
		{"PT5M", -5, true},
		{"+PT0M", 0, true},
		{"-PT1H", 60, true},
		{"19980101T050000Z", 0, false},
		{"-PT", 0, true},
		{"-P5", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseTrigger(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}
