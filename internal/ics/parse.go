package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "currently/internal/log"
	"currently/internal/model"
)

const untitledMeeting = "Untitled meeting"

// Skip records a VEVENT that produced no draft.
type Skip struct {
	Index  int    `json:"index"`
	UID    string `json:"uid,omitempty"`
	Reason string `json:"reason"`
}

// ParseReport is the result of ParseDrafts. Malformed records never fail
// the whole payload; they end up in Skipped.
type ParseReport struct {
	Drafts  []model.DraftEvent `json:"drafts"`
	Skipped []Skip             `json:"skipped,omitempty"`
}

// property is one content line of a VEVENT, independent of the parser
// that produced it.
type property struct {
	Name   string
	Params map[string][]string
	Value  string
}

func (p property) param(name string) string {
	if vs, ok := p.Params[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// ParseDrafts turns an iCalendar payload into draft events tagged with
// source. Floating times and bare dates are read in loc.
//
// The payload is parsed with golang-ical; when that rejects it (truncated
// files, VEVENTs without a VCALENDAR wrapper) a line scanner that only
// understands folding and BEGIN/END:VEVENT blocks takes over.
//
// A VEVENT carrying RECURRENCE-ID overrides one instance of its series: it
// becomes its own draft keyed "<uid>#<instant>" and the instance is added
// to the exception dates of the series.
func ParseDrafts(body []byte, source string, loc *time.Location) (ParseReport, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return ParseReport{}, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}
	if source == "" {
		source = model.SourceImport
	}

	blocks, err := libraryEvents(body)
	if err != nil {
		appLog.Debug("ics library parse failed, using line scanner", "source", source, "err", err.Error())
		blocks = scanEvents(body)
	}

	var (
		report    ParseReport
		overrides = map[string][]time.Time{}
	)
	for i, props := range blocks {
		d, rid, reason := buildDraft(props, source, loc)
		if reason != "" {
			uid := ""
			for _, p := range props {
				if p.Name == "UID" {
					uid = p.Value
				}
			}
			report.Skipped = append(report.Skipped, Skip{Index: i, UID: uid, Reason: reason})
			appLog.Debug("ics vevent skipped", "source", source, "index", i, "uid", uid, "reason", reason)
			continue
		}
		if rid != nil && d.SourceUID != nil {
			overrides[*d.SourceUID] = append(overrides[*d.SourceUID], *rid)
			key := OverrideUID(*d.SourceUID, *rid)
			d.SourceUID = &key
		}
		report.Drafts = append(report.Drafts, d)
	}

	for i := range report.Drafts {
		d := &report.Drafts[i]
		if d.SourceUID == nil || d.RRule == nil {
			continue
		}
		d.ExDates = append(d.ExDates, overrides[*d.SourceUID]...)
	}

	appLog.Info("ics parse completed", "source", source, "drafts", len(report.Drafts), "skipped", len(report.Skipped))
	return report, nil
}

// OverrideUID is the natural key of one overridden instance of a series.
func OverrideUID(uid string, instance time.Time) string {
	return fmt.Sprintf("%s#%s", uid, instance.UTC().Format("20060102T150405Z"))
}

// RecurrenceLines reads provider recurrence lines ("RRULE:...",
// "EXDATE;TZID=...:..."). Unknown or malformed lines are ignored.
func RecurrenceLines(lines []string, loc *time.Location) (*string, []time.Time) {
	if loc == nil {
		loc = time.Local
	}
	var (
		rule    *string
		exdates []time.Time
	)
	for _, line := range lines {
		p, ok := parseLine(strings.TrimSpace(line))
		if !ok {
			continue
		}
		switch p.Name {
		case "RRULE":
			rule = model.StringPtr(p.Value)
		case "EXDATE":
			for _, part := range strings.Split(p.Value, ",") {
				if t, _, err := parseICSTime(property{Params: p.Params, Value: part}, loc); err == nil {
					exdates = append(exdates, t)
				}
			}
		}
	}
	return rule, exdates
}

func libraryEvents(body []byte) ([][]property, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	events := cal.Events()
	if len(events) == 0 && bytes.Contains(body, []byte("BEGIN:VEVENT")) {
		return nil, errors.New("no VEVENT recognised")
	}
	out := make([][]property, 0, len(events))
	for _, ve := range events {
		props := make([]property, 0, len(ve.Properties))
		for _, p := range ve.Properties {
			props = append(props, property{
				Name:   strings.ToUpper(p.IANAToken),
				Params: upperKeys(p.ICalParameters),
				Value:  p.Value,
			})
		}
		out = append(out, props)
	}
	return out, nil
}

// scanEvents unfolds continuation lines and groups the lines between
// BEGIN:VEVENT and END:VEVENT.
func scanEvents(body []byte) [][]property {
	var (
		out     [][]property
		current []property
		inEvent bool
	)
	for _, line := range unfold(string(body)) {
		switch strings.ToUpper(strings.TrimSpace(line)) {
		case "BEGIN:VEVENT":
			inEvent, current = true, nil
			continue
		case "END:VEVENT":
			if inEvent {
				out = append(out, current)
			}
			inEvent, current = false, nil
			continue
		}
		if !inEvent {
			continue
		}
		if p, ok := parseLine(line); ok {
			current = append(current, p)
		}
	}
	return out
}

func unfold(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += line[1:]
			continue
		}
		out = append(out, line)
	}
	return out
}

// parseLine splits "NAME;PARAM=a,b:VALUE". Lines without a value are dropped.
func parseLine(line string) (property, bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 || i == len(line)-1 {
		return property{}, false
	}
	left, value := line[:i], line[i+1:]
	parts := strings.Split(left, ";")
	p := property{Name: strings.ToUpper(strings.TrimSpace(parts[0])), Value: value, Params: map[string][]string{}}
	for _, kv := range parts[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		p.Params[strings.ToUpper(k)] = strings.Split(strings.Trim(v, `"`), ",")
	}
	return p, true
}

// buildDraft maps the known properties of one VEVENT. A non-empty reason
// means the record was unusable.
func buildDraft(props []property, source string, loc *time.Location) (model.DraftEvent, *time.Time, string) {
	d := model.DraftEvent{Source: source}
	var (
		start, end *time.Time
		rid        *time.Time
		allDay     bool
		raw        []string
	)
	for _, p := range props {
		raw = append(raw, p.Name+":"+p.Value)
		switch p.Name {
		case "UID":
			d.SourceUID = model.StringPtr(p.Value)
		case "SUMMARY":
			d.Title = strings.TrimSpace(unescapeText(p.Value))
		case "DESCRIPTION":
			d.Description = model.StringPtr(unescapeText(p.Value))
		case "LOCATION":
			d.Location = model.StringPtr(unescapeText(p.Value))
		case "RRULE":
			d.RRule = model.StringPtr(p.Value)
		case "DTSTART":
			if t, isDate, err := parseICSTime(p, loc); err == nil {
				start, allDay = &t, isDate
			}
		case "DTEND":
			if t, _, err := parseICSTime(p, loc); err == nil {
				end = &t
			}
		case "EXDATE":
			for _, part := range strings.Split(p.Value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if t, _, err := parseICSTime(property{Params: p.Params, Value: part}, loc); err == nil {
					d.ExDates = append(d.ExDates, t)
				}
			}
		case "RECURRENCE-ID":
			if t, _, err := parseICSTime(p, loc); err == nil {
				rid = &t
			}
		}
	}

	if start == nil {
		return d, nil, "missing or unparseable DTSTART"
	}
	if d.Title == "" {
		d.Title = untitledMeeting
	}
	d.StartAt = *start
	d.EndAt = *start
	if end != nil {
		d.EndAt = *end
	}
	d.IsAllDay = allDay
	if d.IsAllDay && d.EndAt.Equal(d.StartAt) {
		d.EndAt = d.StartAt.AddDate(0, 0, 1)
	}
	payload := strings.Join(raw, "\n")
	d.RawPayload = &payload
	return d, rid, ""
}

// parseICSTime reads a DATE or DATE-TIME value. The bool reports a bare
// date. TZID is honoured when the zone is known; floating values use loc.
func parseICSTime(p property, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.EqualFold(p.param("VALUE"), "DATE") || isDigits(v, 8) {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		if t, err := time.Parse("20060102T150405Z", v); err == nil {
			return t, false, nil
		}
	}

	zone := loc
	if tzid := p.param("TZID"); tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, "/")); err == nil {
			zone = l
		}
	}
	if t, err := time.ParseInLocation("20060102T150405", v, zone); err == nil {
		return t, false, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, zone); err == nil {
			return t, layout == "2006-01-02", nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised time value %q", v)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}

func upperKeys(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}
