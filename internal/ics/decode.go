package ics

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	appLog "kseschedule/internal/log"
)

const (
	// DefaultTimezone is the feed's home region.
	DefaultTimezone = "Europe/Kyiv"

	timestampLayout = "20060102T150405"
	tzidParam       = "TZID="

	// maxCachedZones bounds the per-decoder zone cache.
	maxCachedZones = 64
)

// Decoder turns DTSTART/DTEND field values into instants.
//
// Accepted shapes:
//
//	20240110T090000                   (default zone)
//	TZID=Europe/Kyiv:20240110T090000  (named zone)
//
// Unknown zone ids fall back to the default zone without an error.
type Decoder struct {
	def *time.Location

	mu    sync.Mutex
	zones map[string]*time.Location
}

// NewDecoder returns a Decoder using def for unqualified values. A nil def
// selects DefaultTimezone.
func NewDecoder(def *time.Location) *Decoder {
	if def == nil {
		def = MustLoadLocation(DefaultTimezone)
	}
	return &Decoder{
		def:   def,
		zones: make(map[string]*time.Location),
	}
}

// Location returns the default zone.
func (d *Decoder) Location() *time.Location {
	return d.def
}

// Decode parses a single timestamp field. Parse failures wrap
// ErrMalformedTimestamp.
func (d *Decoder) Decode(field string) (time.Time, error) {
	field = strings.TrimRight(field, "\r")

	loc := d.def
	value := field

	if i := strings.Index(field, tzidParam); i >= 0 {
		rest := field[i+len(tzidParam):]
		if colon := strings.IndexByte(rest, ':'); colon >= 0 {
			zone := rest[:colon]
			if semi := strings.IndexByte(zone, ';'); semi >= 0 {
				zone = zone[:semi]
			}
			loc = d.resolve(zone)
			value = rest[colon+1:]
		}
	} else if colon := strings.LastIndexByte(field, ':'); colon >= 0 {
		// Parameters other than TZID, e.g. VALUE=DATE-TIME:20240110T090000.
		value = field[colon+1:]
	}

	if !wellFormed(value) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, value)
	}
	t, err := time.ParseInLocation(timestampLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, value)
	}
	return t, nil
}

// wellFormed reports whether v is exactly yyyyMMdd'T'HHmmss. The time
// package accepts trailing fractional seconds even when the layout has
// none.
func wellFormed(v string) bool {
	if len(v) != len(timestampLayout) {
		return false
	}
	for i := 0; i < len(v); i++ {
		if i == 8 {
			if v[i] != 'T' {
				return false
			}
			continue
		}
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

// resolve looks up zone, falling back to the default zone. "Local" is
// not a zone id and would pick the host's zone, so it falls back too.
func (d *Decoder) resolve(zone string) *time.Location {
	zone = strings.TrimSpace(zone)
	if zone == "" || zone == "Local" {
		return d.def
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if loc, ok := d.zones[zone]; ok {
		return loc
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		appLog.Debug("unrecognized timezone; using default", "tzid", zone, "default", d.def.String())
		loc = d.def
	}
	// TZID values come from the feed; stop caching once the bound is hit.
	if len(d.zones) < maxCachedZones {
		d.zones[zone] = loc
	}
	return loc
}

// MustLoadLocation loads name or falls back to UTC. Tzdata is embedded,
// so only a bad name can fail here.
func MustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}
