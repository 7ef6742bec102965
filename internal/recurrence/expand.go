package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"currently/internal/model"
)

const (
	defaultMaxOccurrences = 5000

	// MinDuration is the shortest span an occurrence may have.
	MinDuration = time.Minute
)

// Span is a half-open-agnostic pair of instants. Windows passed to Expand
// are treated as inclusive on both ends.
type Span struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether s and o share at least one instant, inclusive.
func (s Span) Overlaps(o Span) bool {
	return !s.End.Before(o.Start) && !o.End.Before(s.Start)
}

// Request describes one expansion.
type Request struct {
	Rule    string
	Anchor  Span
	ExDates []time.Time
	Window  Span

	// Location is the event's own zone; the rule runs on the anchor's
	// wall clock in this zone. Nil means time.Local.
	Location *time.Location

	// MaxOccurrences caps the output. Zero means defaultMaxOccurrences.
	MaxOccurrences int
}

// Expansion is the tagged result of Expand. Fallback is non-nil when the
// rule could not be used and the anchor was treated as a one-off event.
type Expansion struct {
	Occurrences []Span
	Recurring   bool
	Truncated   bool
	Fallback    error
}

// Expand produces the occurrences of a rule that intersect the window.
// Every occurrence keeps the anchor's wall-clock time of day and the
// anchor's duration. Occurrences on the same calendar day as an exception
// date are dropped.
func Expand(req Request) Expansion {
	loc := req.Location
	if loc == nil {
		loc = time.Local
	}
	if req.MaxOccurrences <= 0 {
		req.MaxOccurrences = defaultMaxOccurrences
	}

	dur := req.Anchor.End.Sub(req.Anchor.Start)
	if dur < MinDuration {
		dur = MinDuration
	}
	anchor := Span{Start: req.Anchor.Start, End: req.Anchor.Start.Add(dur)}

	if req.Window.End.Before(req.Window.Start) {
		return Expansion{}
	}

	rule := strings.TrimSpace(req.Rule)
	if rule == "" {
		return single(anchor, req.Window, nil)
	}

	r, err := compile(rule, anchor.Start, loc)
	if err != nil {
		return single(anchor, req.Window, err)
	}

	// Occurrences starting up to one duration before the window still
	// reach into it.
	starts := r.Between(req.Window.Start.Add(-dur), req.Window.End, true)

	out := Expansion{Recurring: true, Occurrences: make([]Span, 0, len(starts))}
	skip := exceptionDays(req.ExDates, loc)
	for _, st := range starts {
		occ := Span{Start: st, End: st.Add(dur)}
		if !occ.Overlaps(req.Window) {
			continue
		}
		if _, excluded := skip[dayKey(st.In(loc))]; excluded {
			continue
		}
		if len(out.Occurrences) == req.MaxOccurrences {
			out.Truncated = true
			break
		}
		out.Occurrences = append(out.Occurrences, occ)
	}
	return out
}

func single(anchor, window Span, fallback error) Expansion {
	out := Expansion{Fallback: fallback}
	if anchor.Overlaps(window) {
		out.Occurrences = []Span{anchor}
	}
	return out
}

// compile parses rule and pins DTSTART to the anchor's wall clock in loc.
func compile(rule string, anchor time.Time, loc *time.Location) (*rrule.RRule, error) {
	line := ruleLine(rule)
	if line == "" {
		return nil, errors.New("recurrence: no RRULE clause")
	}

	opt, err := rrule.StrToROptionInLocation(line, loc)
	if err != nil {
		return nil, fmt.Errorf("recurrence: parse %q: %w", rule, err)
	}

	wall := anchor.In(loc)
	opt.Dtstart = time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), 0, loc)

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: build %q: %w", rule, err)
	}
	return r, nil
}

// ruleLine extracts the RRULE clause list from a rule that may carry an
// "RRULE:" prefix or sit among other iCalendar lines.
func ruleLine(rule string) string {
	for _, l := range strings.FieldsFunc(rule, func(r rune) bool { return r == '\n' || r == '\r' }) {
		l = strings.TrimSpace(l)
		upper := strings.ToUpper(l)
		switch {
		case strings.HasPrefix(upper, "RRULE:"):
			return upper[len("RRULE:"):]
		case strings.HasPrefix(upper, "DTSTART"), strings.HasPrefix(upper, "EXDATE"):
			continue
		case strings.Contains(upper, "FREQ="):
			return upper
		}
	}
	return ""
}

func exceptionDays(exdates []time.Time, loc *time.Location) map[string]struct{} {
	out := make(map[string]struct{}, len(exdates))
	for _, ex := range exdates {
		if ex.IsZero() {
			continue
		}
		out[dayKey(ex.In(loc))] = struct{}{}
	}
	return out
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ExpandEvent expands a stored event and attaches the parent fields to each
// occurrence. InstanceKey is "<id>-<unix millis>" for rule-generated
// occurrences and the bare id otherwise.
func ExpandEvent(ev model.CalendarEvent, window Span, loc *time.Location) ([]model.Occurrence, Expansion) {
	exp := Expand(Request{
		Rule:     ev.Rule(),
		Anchor:   Span{Start: ev.StartAt, End: ev.EndAt},
		ExDates:  ev.ExDates,
		Window:   window,
		Location: loc,
	})

	out := make([]model.Occurrence, 0, len(exp.Occurrences))
	for _, s := range exp.Occurrences {
		key := ev.ID
		if exp.Recurring {
			key = InstanceKey(ev.ID, s.Start)
		}
		out = append(out, model.Occurrence{
			CalendarEvent: ev,
			InstanceKey:   key,
			Start:         s.Start,
			End:           s.End,
		})
	}
	return out, exp
}

// InstanceKey builds the synthetic identifier of one occurrence.
func InstanceKey(parentID string, start time.Time) string {
	return parentID + "-" + strconv.FormatInt(start.UnixMilli(), 10)
}
