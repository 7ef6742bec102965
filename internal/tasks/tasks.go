// Package tasks holds the list-view logic for tasks: ordering, filters,
// and display strings.
package tasks

import (
	"sort"
	"strings"
	"time"

	"currently/internal/model"
)

// ShortDateLayout renders dates as "May 10".
const ShortDateLayout = "Jan 02"

const untitledTask = "Untitled task"

// LastRelevantDate is end_at, else start_at, else deadline.
func LastRelevantDate(t model.Task) *time.Time {
	switch {
	case t.EndAt != nil:
		return t.EndAt
	case t.StartAt != nil:
		return t.StartAt
	case t.Deadline != nil:
		return t.Deadline
	}
	return nil
}

var statusOrder = map[model.TaskStatus]int{
	model.StatusInProgress: 1,
	model.StatusInReview:   2,
	model.StatusWaiting:    3,
	model.StatusPending:    4,
	model.StatusApproved:   5,
	model.StatusCompleted:  6,
	model.StatusCancelled:  7,
}

// StatusSortPriority returns the rank of a status; unknown statuses sort last.
func StatusSortPriority(s model.TaskStatus) int {
	if n, ok := statusOrder[s]; ok {
		return n
	}
	return 999
}

func CompareByStatus(a, b model.TaskStatus) int {
	return StatusSortPriority(a) - StatusSortPriority(b)
}

// SortByStatus orders tasks by status rank, keeping input order within a rank.
func SortByStatus(in []model.Task) []model.Task {
	out := append([]model.Task(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return CompareByStatus(out[i].Status, out[j].Status) < 0
	})
	return out
}

// DisplayTitle joins the non-empty parts "{project} · {title} · by {date}".
func DisplayTitle(title, projectName string, by *time.Time, loc *time.Location) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = untitledTask
	}
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(projectName); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, title)
	if by != nil {
		parts = append(parts, "by "+by.In(orLocal(loc)).Format(ShortDateLayout))
	}
	return strings.Join(parts, " · ")
}

// TitleWithMeta is DisplayTitle using the task's last relevant date.
func TitleWithMeta(t model.Task, projectName string, loc *time.Location) string {
	return DisplayTitle(t.Title, projectName, LastRelevantDate(t), loc)
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
