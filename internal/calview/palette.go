package calview

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"currently/internal/model"
)

const (
	// NoneGroup collects events without a project.
	NoneGroup = "none"

	DefaultMeetingColor = "#7c3aed"
	noneContainer       = "#ede9fe"
	containerLighten    = 0.85
)

// Colors is one shade set of a calendar group.
type Colors struct {
	Main        string `json:"main"`
	Container   string `json:"container"`
	OnContainer string `json:"onContainer"`
}

// Group is the widget's calendar definition for one group key.
type Group struct {
	ColorName   string `json:"colorName"`
	LightColors Colors `json:"lightColors"`
	DarkColors  Colors `json:"darkColors"`
}

// GroupKey is the project id, or NoneGroup.
func GroupKey(projectID *string) string {
	if projectID == nil || strings.TrimSpace(*projectID) == "" {
		return NoneGroup
	}
	return *projectID
}

// HashColor folds key into a stable "#rrggbb". The hash runs over UTF-16
// code units so colors match the ones the browser computes for the same id.
func HashColor(key string) string {
	var h uint32
	for _, u := range utf16.Encode([]rune(key)) {
		h = h*31 + uint32(u)
	}
	return fmt.Sprintf("#%02x%02x%02x", (h>>16)&0xff, (h>>8)&0xff, h&0xff)
}

// Lighten blends each channel of a "#rrggbb" color toward white by amount.
// Anything that is not a six-digit hex color is returned unchanged.
func Lighten(hex string, amount float64) string {
	h := strings.TrimPrefix(hex, "#")
	if len(h) != 6 {
		return hex
	}
	var ch [3]float64
	for i := range ch {
		v, err := strconv.ParseUint(h[i*2:i*2+2], 16, 8)
		if err != nil {
			return hex
		}
		ch[i] = float64(v)
	}
	mix := func(c float64) int { return int(math.Round(c + (255-c)*amount)) }
	return fmt.Sprintf("#%02x%02x%02x", mix(ch[0]), mix(ch[1]), mix(ch[2]))
}

// Palette builds the group table for the widget. The "none" group uses
// meetingColor; every project gets its configured color or a hash color.
func Palette(projects []model.Project, meetingColor string) map[string]Group {
	base := DefaultMeetingColor
	if strings.HasPrefix(meetingColor, "#") {
		base = meetingColor
	}
	out := map[string]Group{
		NoneGroup: {
			ColorName:   NoneGroup,
			LightColors: Colors{Main: base, Container: noneContainer, OnContainer: "#2e1065"},
			DarkColors:  Colors{Main: "#c4b5fd", Container: "#2e1065", OnContainer: noneContainer},
		},
	}
	for _, p := range projects {
		if p.ID == "" {
			continue
		}
		main := HashColor(p.ID)
		if p.Color != nil && strings.HasPrefix(*p.Color, "#") {
			main = *p.Color
		}
		out[p.ID] = Group{
			ColorName:   "p" + strings.TrimPrefix(HashColor(p.ID), "#"),
			LightColors: Colors{Main: main, Container: Lighten(main, containerLighten), OnContainer: "#111827"},
			DarkColors:  Colors{Main: main, Container: "#111827", OnContainer: "#f9fafb"},
		}
	}
	return out
}
