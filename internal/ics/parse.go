package ics

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	appLog "kseschedule/internal/log"
	"kseschedule/internal/model"
)

const (
	// DayLabelLayout renders the day label, e.g. "Wednesday, Jan 10".
	// Go's layout names are English regardless of host locale.
	DayLabelLayout = "Monday, Jan 2"

	dayKeyLayout = "2006-01-02"

	// maxLineBytes bounds a single content line.
	maxLineBytes = 1 << 20
)

const (
	lineBeginEvent = "BEGIN:VEVENT"
	lineEndEvent   = "END:VEVENT"
	lineBeginAlarm = "BEGIN:VALARM"
	lineEndAlarm   = "END:VALARM"

	propSummary     = "SUMMARY:"
	propLocation    = "LOCATION:"
	propDescription = "DESCRIPTION:"
	propDtStart     = "DTSTART"
	propDtEnd       = "DTEND"

	// Literal escape sequences as they appear in DESCRIPTION values.
	escParagraph = `\n\n`
	escNewline   = `\n`
)

type parseState int

const (
	stateOutside parseState = iota
	stateEvent
	stateAlarm // always nested inside stateEvent
)

func (s parseState) String() string {
	switch s {
	case stateOutside:
		return "outside"
	case stateEvent:
		return "event"
	case stateAlarm:
		return "alarm"
	default:
		return fmt.Sprintf("parseState(%d)", int(s))
	}
}

// DayBucket collects the events of one calendar day in feed order.
type DayBucket struct {
	Label  string
	Date   time.Time
	Events []model.Event
}

// Buckets maps a day key (yyyy-mm-dd in the display location) to its
// bucket. Keying by date keeps days of different years apart even though
// their labels coincide.
type Buckets map[string]*DayBucket

// Result is the outcome of a single parse run.
type Result struct {
	Buckets Buckets
	// Issues lists per-record problems; none of them stop the parse.
	Issues []*RecordError
	// Events counts scheduled events across all buckets.
	Events int
}

func (r *Result) report(record, line int, err error) {
	r.Issues = append(r.Issues, &RecordError{Record: record, Line: line, Err: err})
}

// Parser is the line-oriented VEVENT state machine. It holds no per-run
// state and may be shared between goroutines.
type Parser struct {
	decoder *Decoder
	display *time.Location
}

// NewParser returns a Parser decoding timestamps with dec and bucketing
// days in display. A nil display uses the decoder's default zone.
func NewParser(dec *Decoder, display *time.Location) *Parser {
	if dec == nil {
		dec = NewDecoder(nil)
	}
	if display == nil {
		display = dec.Location()
	}
	return &Parser{decoder: dec, display: display}
}

// Display returns the location day buckets are computed in.
func (p *Parser) Display() *time.Location {
	return p.display
}

// record is the in-progress VEVENT.
type record struct {
	ordinal int
	event   model.Event

	hasStart       bool
	startErr       *RecordError
	hasDescription bool
}

// ParseBytes parses a calendar payload held in memory.
func (p *Parser) ParseBytes(body []byte) (Result, error) {
	return p.Parse(bytes.NewReader(body))
}

// Parse consumes the calendar text and buckets every complete VEVENT by
// the day of its start. Only a read failure is returned as an error;
// malformed records and oversized lines are listed in Result.Issues.
func (p *Parser) Parse(r io.Reader) (Result, error) {
	res := Result{Buckets: make(Buckets)}

	br := bufio.NewReaderSize(r, maxLineBytes)

	var (
		state   = stateOutside
		cur     *record
		ordinal int
		lineNo  int
	)

	for {
		raw, tooLong, err := readLine(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return res, fmt.Errorf("read calendar at line %d: %w", lineNo+1, err)
		}
		if len(raw) == 0 && !tooLong && err != nil {
			break
		}
		lineNo++

		if tooLong {
			// The line is dropped; the surrounding record carries on.
			rec := 0
			if cur != nil {
				rec = cur.ordinal
			}
			res.report(rec, lineNo, fmt.Errorf("%w: over %d bytes", ErrLineTooLong, maxLineBytes))
			continue
		}
		line := strings.TrimRight(string(raw), "\r\n")

		switch {
		case strings.HasPrefix(line, lineBeginEvent):
			if cur != nil {
				res.report(cur.ordinal, lineNo, fmt.Errorf("%w: not closed before next %s", ErrIncompleteEvent, lineBeginEvent))
			}
			ordinal++
			cur = &record{ordinal: ordinal, event: model.NewEvent()}
			state = stateEvent
			continue

		case strings.HasPrefix(line, lineEndEvent):
			if cur != nil {
				p.finish(&res, cur, lineNo)
			}
			cur = nil
			state = stateOutside
			continue

		case strings.HasPrefix(line, lineBeginAlarm):
			if state == stateEvent {
				state = stateAlarm
			}
			continue

		case strings.HasPrefix(line, lineEndAlarm):
			if state == stateAlarm {
				state = stateEvent
			}
			continue
		}

		if cur == nil {
			continue
		}
		p.applyField(&res, cur, state, line, lineNo)
	}

	if cur != nil {
		res.report(cur.ordinal, lineNo, fmt.Errorf("%w: input ended inside %s", ErrIncompleteEvent, lineBeginEvent))
	}

	for _, issue := range res.Issues {
		appLog.Warn("ics record skipped or incomplete", "record", issue.Record, "line", issue.Line, "kind", issue.Kind(), "err", issue.Err)
	}
	appLog.Info("ics parse completed", "records", ordinal, "event_count", res.Events, "days", len(res.Buckets), "issues", len(res.Issues))

	return res, nil
}

func (p *Parser) applyField(res *Result, cur *record, state parseState, line string, lineNo int) {
	switch {
	case strings.HasPrefix(line, propSummary):
		cur.event.Title = line[len(propSummary):]

	case strings.HasPrefix(line, propDtStart):
		field, ok := propertyValue(line, propDtStart)
		if !ok {
			return
		}
		t, err := p.decoder.Decode(field)
		if err != nil {
			cur.startErr = &RecordError{Record: cur.ordinal, Line: lineNo, Err: err}
			return
		}
		cur.event.Start = t
		cur.hasStart = true
		cur.startErr = nil

	case strings.HasPrefix(line, propDtEnd):
		field, ok := propertyValue(line, propDtEnd)
		if !ok {
			return
		}
		t, err := p.decoder.Decode(field)
		if err != nil {
			res.report(cur.ordinal, lineNo, err)
			return
		}
		cur.event.End = t

	case strings.HasPrefix(line, propLocation):
		cur.event.Location = line[len(propLocation):]

	case strings.HasPrefix(line, propDescription):
		// An alarm's own DESCRIPTION must not replace the event's.
		if state == stateAlarm || cur.hasDescription {
			return
		}
		cur.event.Description = summarizeDescription(line[len(propDescription):])
		cur.hasDescription = true
	}
}

// finish places a closed record into its day bucket.
func (p *Parser) finish(res *Result, cur *record, lineNo int) {
	if !cur.hasStart {
		if cur.startErr != nil {
			res.Issues = append(res.Issues, cur.startErr)
			return
		}
		res.report(cur.ordinal, lineNo, fmt.Errorf("%w: no usable %s", ErrIncompleteEvent, propDtStart))
		return
	}

	ev := cur.event
	if !ev.End.IsZero() && ev.End.Before(ev.Start) {
		res.report(cur.ordinal, lineNo, ErrEndBeforeStart)
	}

	local := ev.Start.In(p.display)
	key := local.Format(dayKeyLayout)

	b, ok := res.Buckets[key]
	if !ok {
		b = &DayBucket{
			Label: local.Format(DayLabelLayout),
			Date:  time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.display),
		}
		res.Buckets[key] = b
	}
	b.Events = append(b.Events, ev)
	res.Events++
}

// readLine returns the next line including its terminator. A line that
// does not fit the reader's buffer is drained and reported as tooLong.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	line, err = br.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, false, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = br.ReadSlice('\n')
	}
	return nil, true, err
}

// propertyValue returns what follows name on a DTSTART/DTEND line: the
// value for "NAME:VALUE", or "params:VALUE" for "NAME;params:VALUE".
func propertyValue(line, name string) (string, bool) {
	rest := line[len(name):]
	if rest == "" {
		return "", false
	}
	switch rest[0] {
	case ':', ';':
		return rest[1:], true
	default:
		return "", false
	}
}

// summarizeDescription keeps the lead paragraph and flattens it to one
// line.
func summarizeDescription(v string) string {
	if i := strings.Index(v, escParagraph); i >= 0 {
		v = v[:i]
	}
	return strings.ReplaceAll(v, escNewline, " ")
}
