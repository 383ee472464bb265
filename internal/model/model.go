package model

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a single schedule entry as parsed from the feed.
type Event struct {
	// ID identifies the event for list rendering only; it is regenerated
	// on every parse and is not a business key.
	ID string

	Title       string
	Location    string
	Description string

	// Start / End carry the zone they were decoded in.
	Start time.Time
	End   time.Time
}

// NewEvent returns an empty Event with a fresh ID.
func NewEvent() Event {
	return Event{ID: uuid.NewString()}
}

// DaySchedule holds the events of one calendar day.
type DaySchedule struct {
	// Label is the display key, e.g. "Wednesday, Jan 10".
	Label string
	// Date is midnight of the day in the display location.
	Date   time.Time
	Events []Event
}

// Schedule is ordered ascending by day.
type Schedule []DaySchedule

// EventCount returns the number of events across all days.
func (s Schedule) EventCount() int {
	n := 0
	for _, d := range s {
		n += len(d.Events)
	}
	return n
}

// GroupSelection is the set of group ids a schedule is fetched for.
// Order is kept as entered but is not significant.
type GroupSelection []int

// ParseGroupSelection reads a comma-joined id list, skipping anything
// that is not an integer.
func ParseGroupSelection(s string) GroupSelection {
	out := GroupSelection{}
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// String joins the ids with commas, the form used by the feed query
// and the persisted selection file.
func (g GroupSelection) String() string {
	parts := make([]string, len(g))
	for i, id := range g {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func (g GroupSelection) Contains(id int) bool {
	return slices.Contains(g, id)
}

// Toggle returns a copy with id removed if present, appended otherwise.
func (g GroupSelection) Toggle(id int) GroupSelection {
	if g.Contains(id) {
		out := make(GroupSelection, 0, len(g))
		for _, v := range g {
			if v != id {
				out = append(out, v)
			}
		}
		return out
	}
	out := make(GroupSelection, 0, len(g)+1)
	out = append(out, g...)
	return append(out, id)
}

// Clone returns an independent copy.
func (g GroupSelection) Clone() GroupSelection {
	out := make(GroupSelection, len(g))
	copy(out, g)
	return out
}
