package calview

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// CalendarDate is a civil date with no time of day and no zone. All-day
// entries are expressed in it.
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t as seen in loc.
func DateOf(t time.Time, loc *time.Location) CalendarDate {
	t = t.In(orLocal(loc))
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (CalendarDate, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return CalendarDate{}, fmt.Errorf("calview: parse date %q: %w", s, err)
	}
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// In returns midnight of d in loc.
func (d CalendarDate) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, orLocal(loc))
}

func (d CalendarDate) utc() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d CalendarDate) AddDays(n int) CalendarDate {
	return DateOf(d.utc().AddDate(0, 0, n), time.UTC)
}

// Sub returns the number of whole days from o to d.
func (d CalendarDate) Sub(o CalendarDate) int {
	return int(d.utc().Sub(o.utc()).Hours() / 24)
}

func (d CalendarDate) Before(o CalendarDate) bool { return d.Sub(o) < 0 }

func (d CalendarDate) IsZero() bool { return d == CalendarDate{} }

func (d CalendarDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d CalendarDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *CalendarDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ZonedTime is an instant pinned to a named zone, rendered the way the
// calendar widget expects: "2024-03-01T09:00:00-05:00[America/New_York]".
type ZonedTime struct {
	time.Time
}

func Zoned(t time.Time, loc *time.Location) ZonedTime {
	return ZonedTime{Time: t.In(orLocal(loc))}
}

func (z ZonedTime) String() string {
	return z.Time.Format(time.RFC3339) + "[" + z.Time.Location().String() + "]"
}

func (z ZonedTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.String())
}

// ParseZoned accepts RFC 3339 with an optional bracketed zone suffix. When
// a suffix names a known zone the result is moved into it.
func ParseZoned(s string) (ZonedTime, error) {
	s = strings.TrimSpace(s)
	var zone string
	if i := strings.IndexByte(s, '['); i >= 0 && strings.HasSuffix(s, "]") {
		zone = s[i+1 : len(s)-1]
		s = s[:i]
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return ZonedTime{}, fmt.Errorf("calview: parse zoned %q: %w", s, err)
	}
	if zone != "" {
		if loc, lerr := time.LoadLocation(zone); lerr == nil {
			t = t.In(loc)
		}
	}
	return ZonedTime{Time: t}, nil
}

// InclusiveRange converts a stored all-day [start, exclusiveEnd) pair into
// the first and last included calendar dates. The span is at least one day.
func InclusiveRange(start, exclusiveEnd time.Time, loc *time.Location) (first, last CalendarDate, span int) {
	first = DateOf(start, loc)
	span = DateOf(exclusiveEnd, loc).Sub(first)
	if span < 1 {
		span = 1
	}
	return first, first.AddDays(span - 1), span
}

// ExclusiveEnd converts an inclusive last date back to the storage
// boundary: midnight after last, in loc.
func ExclusiveEnd(last CalendarDate, loc *time.Location) time.Time {
	return last.AddDays(1).In(loc)
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
