package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	appLog "currently/internal/log"
)

const untitledTask = "Untitled task"

// TaskExtraction is the structured reading of a task voice note.
type TaskExtraction struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Project     *string    `json:"project"`
	Priority    string     `json:"priority"`
	Tags        []string   `json:"tags"`
	Deadline    *time.Time `json:"deadline"`
	StartAt     *time.Time `json:"start_at"`
	EndAt       *time.Time `json:"end_at"`
}

// MeetingExtraction is the structured reading of a meeting voice note.
type MeetingExtraction struct {
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Location    *string   `json:"location"`
	IsAllDay    bool      `json:"is_all_day"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	RRule       *string   `json:"rrule"`
}

// ExtractedEvent is one event as returned by the service, before the
// importer adapts it. Times are the service's ISO strings.
type ExtractedEvent struct {
	Title       string  `json:"title"`
	StartAt     string  `json:"start_at"`
	EndAt       string  `json:"end_at"`
	IsAllDay    bool    `json:"is_all_day"`
	Location    *string `json:"location"`
	Description *string `json:"description"`
	RRule       *string `json:"rrule"`
	SourceUID   *string `json:"source_uid"`
}

type EventSourceKind string

const (
	EventsFromText  EventSourceKind = "text"
	EventsFromImage EventSourceKind = "image"
)

type EventRequest struct {
	Kind     EventSourceKind
	Text     string
	Image    []byte
	MimeType string
	Location *time.Location
}

func (c *Client) promptContext(loc *time.Location) string {
	tz := "Unknown"
	if loc != nil {
		tz = loc.String()
	}
	return fmt.Sprintf("User timezone: %s\nCurrent time: %s", tz, c.now().In(orUTC(loc)).Format(time.RFC3339))
}

// ExtractTask reads a transcript into task fields. An empty title falls back
// to the first eight words of the transcript; a missing or short
// description is replaced by the full transcript.
func (c *Client) ExtractTask(ctx context.Context, text string, projects []string, loc *time.Location) (TaskExtraction, error) {
	system := c.promptContext(loc) + `
You are a task management assistant.
Use this known project list: [` + strings.Join(projects, ", ") + `].
- If the text mentions a project that matches (case-insensitive, partial is ok), return the exact name from the list.
- If no match, set project to null.
- Always return a non-empty title; if unclear, generate a concise 6-10 word summary.
Return JSON with:
  title (string)
  description (string, fuller text)
  project (string|null)
  priority (one of: low, medium, high, urgent)
  tags (string array)
  deadline (ISO 8601 with offset, or null)
  start_at (ISO 8601 with offset, or null)
  end_at (ISO 8601 with offset, or null)
Rules:
- If the user specifies a time block (e.g. "tomorrow 3-5pm"), set start_at/end_at.
- If only a start time is given, assume 1 hour duration for end_at.
- If the user specifies a due date ("by Friday"), set deadline.
- If both are mentioned, return both.`

	raw, err := c.completeJSON(ctx, "extract_task", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: text},
	})
	if err != nil {
		return TaskExtraction{}, err
	}

	var reply struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Project     *string  `json:"project"`
		Priority    string   `json:"priority"`
		Tags        []string `json:"tags"`
		Deadline    *string  `json:"deadline"`
		StartAt     *string  `json:"start_at"`
		EndAt       *string  `json:"end_at"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		appLog.Error("ai task reply not JSON", err, "raw_len", len(raw))
	}

	out := TaskExtraction{
		Title:       strings.TrimSpace(reply.Title),
		Description: strings.TrimSpace(reply.Description),
		Project:     reply.Project,
		Priority:    strings.ToLower(strings.TrimSpace(reply.Priority)),
		Tags:        reply.Tags,
		Deadline:    parseOptional(reply.Deadline, loc),
		StartAt:     parseOptional(reply.StartAt, loc),
		EndAt:       parseOptional(reply.EndAt, loc),
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if out.Title == "" {
		out.Title = fallbackTitle(text)
	}
	if short(out.Description, text) {
		out.Description = text
	}
	if out.StartAt != nil && out.EndAt == nil {
		end := out.StartAt.Add(time.Hour)
		out.EndAt = &end
	}
	return out, nil
}

// ExtractMeeting reads a transcript into a single meeting.
func (c *Client) ExtractMeeting(ctx context.Context, text string, loc *time.Location) (MeetingExtraction, error) {
	system := c.promptContext(loc) + `
You are a calendar assistant.
Extract ONE meeting/event from the text.
Return JSON with:
  title (string)
  description (string|null)
  location (string|null)
  is_all_day (boolean)
  start_at (ISO 8601 with offset)
  end_at (ISO 8601 with offset)
  rrule (string|null)  // RRULE clauses only, e.g. FREQ=WEEKLY;INTERVAL=2
Rules:
- If only a date is provided, set is_all_day=true and use midnight-to-midnight (end next day).
- If only a start time is provided, assume 1 hour duration for end_at.
- Use the user's timezone for relative dates ("tomorrow", "next Monday") and ambiguous times.`

	raw, err := c.completeJSON(ctx, "extract_meeting", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: text},
	})
	if err != nil {
		return MeetingExtraction{}, err
	}

	var reply struct {
		Title       string  `json:"title"`
		Description *string `json:"description"`
		Location    *string `json:"location"`
		IsAllDay    bool    `json:"is_all_day"`
		StartAt     string  `json:"start_at"`
		EndAt       string  `json:"end_at"`
		RRule       *string `json:"rrule"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return MeetingExtraction{}, &ServiceError{Op: "extract_meeting", Err: fmt.Errorf("reply is not JSON: %w", err)}
	}
	start, ok := ParseInstant(reply.StartAt, loc)
	if !ok {
		return MeetingExtraction{}, &ServiceError{Op: "extract_meeting", Err: errors.New("reply has no usable start_at")}
	}
	end, ok := ParseInstant(reply.EndAt, loc)
	if !ok {
		end = start
	}
	return MeetingExtraction{
		Title:       strings.TrimSpace(reply.Title),
		Description: trimmed(reply.Description),
		Location:    trimmed(reply.Location),
		IsAllDay:    reply.IsAllDay,
		StartAt:     start,
		EndAt:       end,
		RRule:       trimmed(reply.RRule),
	}, nil
}

// ExtractEvents asks for every meeting visible in free text or a
// screenshot. Entries missing title, start_at or end_at are dropped.
func (c *Client) ExtractEvents(ctx context.Context, req EventRequest) ([]ExtractedEvent, error) {
	system := strings.Join([]string{
		"Extract calendar MEETINGS from the user's input.",
		"Return JSON ONLY with shape: { events: Array<{ title, start_at, end_at, is_all_day, location?, description?, rrule?, source_uid? }> }",
		"start_at/end_at must be ISO 8601 strings (include timezone offset or Z).",
		"If only a date is known, set is_all_day=true and use midnight-to-midnight (end next day).",
		"If times are ambiguous, assume user local timezone.",
		"If a provider UID is visible, put it into source_uid.",
	}, "\n")

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	switch req.Kind {
	case EventsFromText:
		user.Content = c.promptContext(req.Location) + "\n\n" + req.Text
	case EventsFromImage:
		mime := req.MimeType
		if mime == "" {
			mime = "image/png"
		}
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: c.promptContext(req.Location) + "\n\nExtract meetings from this screenshot."},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image),
			}},
		}
	default:
		return nil, &ServiceError{Op: "extract_events", Err: fmt.Errorf("unsupported source kind %q", req.Kind)}
	}

	raw, err := c.completeJSON(ctx, "extract_events", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		user,
	})
	if err != nil {
		return nil, err
	}

	var reply struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		appLog.Error("ai events reply not JSON", err, "raw_len", len(raw))
		return []ExtractedEvent{}, nil
	}
	out := make([]ExtractedEvent, 0, len(reply.Events))
	for i, item := range reply.Events {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(item, &probe); err != nil {
			continue
		}
		if _, ok := probe["title"]; !ok {
			continue
		}
		if _, ok := probe["start_at"]; !ok {
			continue
		}
		if _, ok := probe["end_at"]; !ok {
			continue
		}
		var ev ExtractedEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			appLog.Debug("ai event entry dropped", "index", i, "err", err.Error())
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ParseInstant reads the service's timestamps: RFC 3339 first, then
// offset-less date-times and bare dates in loc.
func ParseInstant(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, orUTC(loc)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseOptional(s *string, loc *time.Location) *time.Time {
	if s == nil {
		return nil
	}
	t, ok := ParseInstant(*s, loc)
	if !ok {
		return nil
	}
	return &t
}

func fallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > 8 {
		words = words[:8]
	}
	if t := strings.Join(words, " "); t != "" {
		return t
	}
	return untitledTask
}

func short(desc, transcript string) bool {
	if desc == "" {
		return true
	}
	limit := math.Max(40, 0.6*float64(utf8.RuneCountInString(transcript)))
	return float64(utf8.RuneCountInString(desc)) < limit
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
