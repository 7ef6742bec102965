// Package store persists tasks, projects and calendar events.
package store

import (
	"context"
	"errors"
	"time"

	"currently/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store is the storage collaborator. Every write is all-or-nothing per call.
type Store interface {
	ListTasks(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, id string) error

	ListProjects(ctx context.Context) ([]model.Project, error)
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
	UpdateProject(ctx context.Context, p model.Project) (model.Project, error)
	// DeleteProject clears the project reference of every task and event
	// that pointed at it.
	DeleteProject(ctx context.Context, id string) error

	// ListEvents returns events overlapping [start, end), plus recurring
	// events whose anchor starts before end, ordered by start.
	ListEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error)
	GetEvent(ctx context.Context, id string) (model.CalendarEvent, error)
	CreateEvent(ctx context.Context, ev model.CalendarEvent) (model.CalendarEvent, error)
	UpdateEvent(ctx context.Context, ev model.CalendarEvent) (model.CalendarEvent, error)
	DeleteEvent(ctx context.Context, id string) error

	// UpsertEvents writes drafts keyed by (source, source_uid); drafts
	// without a uid are inserted as new rows. It returns the stored rows in
	// draft order.
	UpsertEvents(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error)
	// EventsByKey returns the rows already stored under the natural keys
	// of drafts, whatever their dates.
	EventsByKey(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error)

	Close() error
}
