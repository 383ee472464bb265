package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"kseschedule/internal/model"
)

const exportProductID = "-//kseschedule//Schedule Export//UK"

// Export re-serializes a schedule as an iCalendar document so it can be
// subscribed to from other clients. Events without an end get a
// zero-length slot. Times are written in UTC.
func Export(w io.Writer, sched model.Schedule, name string, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.SetProductId(exportProductID)
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}

	for _, day := range sched {
		for _, ev := range day.Events {
			e := cal.AddEvent(ev.ID)
			e.SetDtStampTime(stamp)
			e.SetStartAt(ev.Start)
			end := ev.End
			if end.IsZero() {
				end = ev.Start
			}
			e.SetEndAt(end)
			e.SetSummary(ev.Title)
			if ev.Location != "" {
				e.SetLocation(ev.Location)
			}
			if ev.Description != "" {
				e.SetDescription(ev.Description)
			}
		}
	}

	return cal.SerializeTo(w)
}
