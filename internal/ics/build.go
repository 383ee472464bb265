package ics

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"kseschedule/internal/model"
)

// Builder orders day buckets into a Schedule.
type Builder struct {
	// SortWithinDay orders each day's events by start time. When false the
	// feed order is kept.
	SortWithinDay bool
}

// Build returns the days of buckets in ascending date order. Days are
// compared by the date carried in each bucket, so labels are never
// re-parsed; equal dates fall back to the label to stay deterministic.
func (b Builder) Build(buckets Buckets) model.Schedule {
	out := make(model.Schedule, 0, len(buckets))
	for _, bucket := range buckets {
		events := make([]model.Event, len(bucket.Events))
		copy(events, bucket.Events)
		if b.SortWithinDay {
			slices.SortStableFunc(events, func(x, y model.Event) int {
				return x.Start.Compare(y.Start)
			})
		}
		out = append(out, model.DaySchedule{
			Label:  bucket.Label,
			Date:   bucket.Date,
			Events: events,
		})
	}

	slices.SortFunc(out, func(x, y model.DaySchedule) int {
		if c := x.Date.Compare(y.Date); c != 0 {
			return c
		}
		return cmp.Compare(x.Label, y.Label)
	})
	return out
}

// ParseDayLabel reads a label produced with DayLabelLayout back into a
// month and day. The label has no year, so the returned time is in year 0
// and only useful for month/day comparison.
func ParseDayLabel(label string) (time.Time, error) {
	t, err := time.Parse(DayLabelLayout, label)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day label %q: %w", label, err)
	}
	return t, nil
}
