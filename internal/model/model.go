package model

import (
	"errors"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state stored on a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusCancelled  TaskStatus = "cancelled"

	// Filter-only values. They are never stored on a task but are accepted
	// by the status filter of list views.
	StatusInReview TaskStatus = "in_review"
	StatusWaiting  TaskStatus = "waiting"
	StatusApproved TaskStatus = "approved"
	StatusAll      TaskStatus = "all"
)

// Valid reports whether s may be stored on a task.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ValidFilter reports whether s belongs to the wider filter vocabulary.
func (s TaskStatus) ValidFilter() bool {
	switch s {
	case StatusInReview, StatusWaiting, StatusApproved, StatusAll:
		return true
	}
	return s.Valid()
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is a unit of work. A task may be time-blocked (StartAt and EndAt),
// carry only a Deadline, or have no date at all.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description *string      `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	ProjectID   *string      `json:"project_id"`
	Category    *string      `json:"category"`
	Subcategory *string      `json:"subcategory"`
	Tags        []string     `json:"tags"`
	Attachments []string     `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Deadline    *time.Time   `json:"deadline"`
	StartAt     *time.Time   `json:"start_at"`
	EndAt       *time.Time   `json:"end_at"`
}

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNameRequired    = errors.New("name is required")
)

// Validate applies form rules and fills defaults for status and priority.
func (t *Task) Validate() error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return ErrTitleRequired
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	if !t.Priority.Valid() {
		return ErrInvalidPriority
	}
	t.Category = trimmedOrNil(t.Category)
	t.Subcategory = trimmedOrNil(t.Subcategory)
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Attachments == nil {
		t.Attachments = []string{}
	}
	return nil
}

// Project groups tasks and events. Name is matched against voice notes.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	Color       *string   `json:"color"`
	Category    *string   `json:"category"`
	Subcategory *string   `json:"subcategory"`
	CreatedAt   time.Time `json:"created_at"`
}

func (p *Project) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return ErrNameRequired
	}
	return nil
}

const (
	SourceManual = "manual"
	SourceImport = "import"
)

// CalendarEvent is a stored meeting. For all-day events EndAt is the
// exclusive boundary, one day past the last included day.
type CalendarEvent struct {
	ID          string      `json:"id"`
	ProjectID   *string     `json:"project_id"`
	Title       string      `json:"title"`
	Description *string     `json:"description"`
	Location    *string     `json:"location"`
	StartAt     time.Time   `json:"start_at"`
	EndAt       time.Time   `json:"end_at"`
	IsAllDay    bool        `json:"is_all_day"`
	RRule       *string     `json:"rrule"`
	ExDates     []time.Time `json:"exdates"`
	Source      string      `json:"source"`
	SourceUID   *string     `json:"source_uid"`
	RawPayload  *string     `json:"raw_payload"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Rule returns the trimmed recurrence rule, or "" for one-off events.
func (e CalendarEvent) Rule() string {
	if e.RRule == nil {
		return ""
	}
	return strings.TrimSpace(*e.RRule)
}

// Normalize corrects an end that is not after the start: timed events get
// one hour, all-day events one day.
func (e *CalendarEvent) Normalize() {
	e.Title = strings.TrimSpace(e.Title)
	if e.Source == "" {
		e.Source = SourceManual
	}
	if e.EndAt.After(e.StartAt) {
		return
	}
	if e.IsAllDay {
		e.EndAt = e.StartAt.AddDate(0, 0, 1)
		return
	}
	e.EndAt = e.StartAt.Add(time.Hour)
}

// Occurrence is one concrete instance of a CalendarEvent. It is derived
// during expansion and never persisted.
type Occurrence struct {
	CalendarEvent
	// InstanceKey combines the parent id with the occurrence instant.
	InstanceKey string    `json:"instance_key"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// DraftEvent is the canonical shape of an imported event before it is
// written to storage.
type DraftEvent struct {
	Title       string      `json:"title"`
	Description *string     `json:"description"`
	Location    *string     `json:"location"`
	StartAt     time.Time   `json:"start_at"`
	EndAt       time.Time   `json:"end_at"`
	IsAllDay    bool        `json:"is_all_day"`
	RRule       *string     `json:"rrule"`
	ExDates     []time.Time `json:"exdates"`
	Source      string      `json:"source"`
	SourceUID   *string     `json:"source_uid"`
	RawPayload  *string     `json:"raw_payload"`
}

// Key returns the natural key and whether the draft has one.
func (d DraftEvent) Key() (string, bool) {
	if d.SourceUID == nil || strings.TrimSpace(*d.SourceUID) == "" {
		return "", false
	}
	return d.Source + "\x00" + strings.TrimSpace(*d.SourceUID), true
}

// ShoppingListItem lives only in local persisted state.
type ShoppingListItem struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Checked   bool       `json:"checked"`
	CreatedAt time.Time  `json:"created_at"`
	CheckedAt *time.Time `json:"checked_at"`
}

// StringPtr returns nil for blank strings.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	return StringPtr(*s)
}
