package recurrence

import (
	"regexp"
	"strconv"
	"strings"
)

// Preset is one of the fixed recurrence choices offered by the event form.
type Preset string

const (
	PresetNone     Preset = "none"
	PresetDaily    Preset = "daily"
	PresetWeekly   Preset = "weekly"
	PresetWeekdays Preset = "weekdays"
	PresetMonthly  Preset = "monthly"
	PresetCustom   Preset = "custom"
)

const weekdaysByDay = "BYDAY=MO,TU,WE,TH,FR"

var intervalClause = regexp.MustCompile(`(?:^|;)INTERVAL=(\d+)(?:;|$)`)

// BuildRule synthesizes an RRULE for a built-in preset. None and custom
// never produce a rule; custom text is passed through verbatim elsewhere.
func BuildRule(p Preset, interval int) (string, bool) {
	suffix := ""
	if interval > 1 {
		suffix = ";INTERVAL=" + strconv.Itoa(interval)
	}

	switch p {
	case PresetDaily:
		return "FREQ=DAILY" + suffix, true
	case PresetWeekly:
		return "FREQ=WEEKLY" + suffix, true
	case PresetWeekdays:
		return "FREQ=WEEKLY;" + weekdaysByDay + suffix, true
	case PresetMonthly:
		return "FREQ=MONTHLY" + suffix, true
	default:
		return "", false
	}
}

// Inference is the result of matching an arbitrary rule against the presets.
type Inference struct {
	Preset   Preset `json:"preset"`
	Interval int    `json:"interval"`
	// RawRule is the input, trimmed, kept for custom passthrough.
	RawRule string `json:"raw_rule"`
}

// InferPreset maps a rule onto the preset it matches. Clause tokens are
// compared case-insensitively; unknown shapes become PresetCustom.
func InferPreset(rule string) Inference {
	raw := strings.TrimSpace(rule)
	if raw == "" {
		return Inference{Preset: PresetNone, Interval: 1}
	}

	upper := strings.ToUpper(raw)
	interval := 1
	if m := intervalClause.FindStringSubmatch(upper); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 1 {
			interval = n
		}
	}

	out := Inference{Interval: interval, RawRule: raw}
	switch {
	case strings.Contains(upper, "FREQ=WEEKLY") && strings.Contains(upper, weekdaysByDay):
		out.Preset = PresetWeekdays
	case strings.Contains(upper, "FREQ=DAILY"):
		out.Preset = PresetDaily
	case strings.Contains(upper, "FREQ=WEEKLY"):
		out.Preset = PresetWeekly
	case strings.Contains(upper, "FREQ=MONTHLY"):
		out.Preset = PresetMonthly
	default:
		out.Preset = PresetCustom
	}
	return out
}
