package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportRoundTrip(t *testing.T) {
	p := newTestParser(t)
	res := parseString(t, p, `BEGIN:VEVENT
SUMMARY:Macro
DTSTART;TZID=Europe/Kyiv:20240110T090000
DTEND;TZID=Europe/Kyiv:20240110T102000
LOCATION:Room 204
DESCRIPTION:Lecture\nweek 2
END:VEVENT
BEGIN:VEVENT
SUMMARY:Open end
DTSTART;TZID=Europe/Kyiv:20240111T090000
END:VEVENT
`)
	sched := Builder{}.Build(res.Buckets)

	var buf bytes.Buffer
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Export(&buf, sched, "KSE", stamp))
	assert.True(t, strings.Contains(buf.String(), "METHOD:PUBLISH"))

	cal, err := ical.ParseCalendar(&buf)
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, sched[0].Events[0].ID, first.Id())
	assert.Equal(t, "Macro", first.GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "Room 204", first.GetProperty(ical.ComponentPropertyLocation).Value)
	assert.Equal(t, "Lecture week 2", first.GetProperty(ical.ComponentPropertyDescription).Value)

	start, err := first.GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)))

	second := events[1]
	s2, err := second.GetStartAt()
	require.NoError(t, err)
	e2, err := second.GetEndAt()
	require.NoError(t, err)
	assert.True(t, s2.Equal(e2))
	assert.Nil(t, second.GetProperty(ical.ComponentPropertyLocation))
}

func TestExportEmptySchedule(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, nil, "", time.Now()))

	cal, err := ical.ParseCalendar(&buf)
	require.NoError(t, err)
	assert.Empty(t, cal.Events())
}
