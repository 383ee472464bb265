package ics

import (
	"errors"
	"fmt"
)

var (
	// ErrRetrievalFailed covers transport failures, bad endpoint URLs and
	// unexpected HTTP statuses. It aborts the whole fetch cycle.
	ErrRetrievalFailed = errors.New("schedule retrieval failed")

	// ErrMalformedTimestamp is reported when a DTSTART/DTEND value does
	// not match yyyyMMdd'T'HHmmss.
	ErrMalformedTimestamp = errors.New("malformed timestamp")

	// ErrIncompleteEvent is reported for a VEVENT that cannot be placed on
	// a day: closed without a start, abandoned by a new BEGIN:VEVENT, or
	// cut off by the end of input.
	ErrIncompleteEvent = errors.New("incomplete event")

	// ErrLineTooLong is reported for a content line over the size limit.
	// The line is skipped and parsing continues.
	ErrLineTooLong = errors.New("content line too long")

	// ErrEndBeforeStart is informational; the event is still scheduled.
	ErrEndBeforeStart = errors.New("event ends before it starts")
)

// RecordError ties a per-record parse problem to its position in the feed.
type RecordError struct {
	// Record is the 1-based ordinal of the VEVENT in the feed.
	Record int
	// Line is the 1-based line number the problem was detected on.
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("event #%d (line %d): %v", e.Record, e.Line, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Kind returns a short stable name for the error class, used for metrics
// labels and API output.
func (e *RecordError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(e.Err, ErrIncompleteEvent):
		return "incomplete_event"
	case errors.Is(e.Err, ErrEndBeforeStart):
		return "end_before_start"
	case errors.Is(e.Err, ErrLineTooLong):
		return "line_too_long"
	default:
		return "other"
	}
}
