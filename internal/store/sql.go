package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	appLog "currently/internal/log"
	"currently/internal/model"
)

// SQL implements Store on database/sql for postgres and sqlite3. Queries
// use $N placeholders, numbered in order of first use, which both drivers
// accept. Timestamps are written in UTC.
type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var _ Store = (*SQL)(nil)

// Open connects and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &SQL{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	appLog.Info("database ready", "driver", driver)
	return s, nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) stamp() time.Time { return s.now().UTC() }

type scanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, title, description, status, priority, project_id, category, subcategory,
	tags, attachments, created_at, updated_at, deadline, start_at, end_at`

func scanTask(row scanner) (model.Task, error) {
	var (
		t                     model.Task
		desc, project         sql.NullString
		category, subcategory sql.NullString
		tags, attachments     string
		deadline, start, end  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Title, &desc, &t.Status, &t.Priority, &project, &category, &subcategory,
		&tags, &attachments, &t.CreatedAt, &t.UpdatedAt, &deadline, &start, &end)
	if err != nil {
		return t, err
	}
	t.Description = nullString(desc)
	t.ProjectID = nullString(project)
	t.Category = nullString(category)
	t.Subcategory = nullString(subcategory)
	t.Deadline = nullTime(deadline)
	t.StartAt = nullTime(start)
	t.EndAt = nullTime(end)
	if err := decodeJSON(tags, &t.Tags); err != nil {
		return t, err
	}
	if err := decodeJSON(attachments, &t.Attachments); err != nil {
		return t, err
	}
	return t, nil
}

func (s *SQL) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQL) GetTask(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

func (s *SQL) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := t.Validate(); err != nil {
		return t, err
	}
	now := s.stamp()
	t.ID = uuid.NewString()
	t.CreatedAt, t.UpdatedAt = now, now

	tags, attachments, err := taskJSON(t)
	if err != nil {
		return t, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, t.ProjectID, t.Category, t.Subcategory,
		tags, attachments, now, now, utcPtr(t.Deadline), utcPtr(t.StartAt), utcPtr(t.EndAt))
	if err != nil {
		return t, fmt.Errorf("failed to insert task: %w", err)
	}
	return s.GetTask(ctx, t.ID)
}

func (s *SQL) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := t.Validate(); err != nil {
		return t, err
	}
	tags, attachments, err := taskJSON(t)
	if err != nil {
		return t, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET title = $1, description = $2, status = $3,
		priority = $4, project_id = $5, category = $6, subcategory = $7, tags = $8, attachments = $9,
		updated_at = $10, deadline = $11, start_at = $12, end_at = $13 WHERE id = $14`,
		t.Title, t.Description, t.Status, t.Priority, t.ProjectID, t.Category, t.Subcategory,
		tags, attachments, s.stamp(), utcPtr(t.Deadline), utcPtr(t.StartAt), utcPtr(t.EndAt), t.ID)
	if err != nil {
		return t, fmt.Errorf("failed to update task: %w", err)
	}
	if err := requireRow(res); err != nil {
		return t, err
	}
	return s.GetTask(ctx, t.ID)
}

func (s *SQL) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireRow(res)
}

const projectColumns = `id, name, description, color, category, subcategory, created_at`

func scanProject(row scanner) (model.Project, error) {
	var (
		p                                   model.Project
		desc, color, category, subcategory sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &desc, &color, &category, &subcategory, &p.CreatedAt); err != nil {
		return p, err
	}
	p.Description = nullString(desc)
	p.Color = nullString(color)
	p.Category = nullString(category)
	p.Subcategory = nullString(subcategory)
	return p, nil
}

func (s *SQL) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	out := []model.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQL) getProject(ctx context.Context, id string) (model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *SQL) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if err := p.Validate(); err != nil {
		return p, err
	}
	p.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (`+projectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.Description, p.Color, p.Category, p.Subcategory, s.stamp())
	if err != nil {
		return p, fmt.Errorf("failed to insert project: %w", err)
	}
	return s.getProject(ctx, p.ID)
}

func (s *SQL) UpdateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if err := p.Validate(); err != nil {
		return p, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name = $1, description = $2, color = $3,
		category = $4, subcategory = $5 WHERE id = $6`,
		p.Name, p.Description, p.Color, p.Category, p.Subcategory, p.ID)
	if err != nil {
		return p, fmt.Errorf("failed to update project: %w", err)
	}
	if err := requireRow(res); err != nil {
		return p, err
	}
	return s.getProject(ctx, p.ID)
}

func (s *SQL) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET project_id = NULL WHERE project_id = $1`, id); err != nil {
		return fmt.Errorf("failed to detach tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE calendar_events SET project_id = NULL WHERE project_id = $1`, id); err != nil {
		return fmt.Errorf("failed to detach events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

const eventColumns = `id, project_id, title, description, location, start_at, end_at, is_all_day,
	rrule, exdates, source, source_uid, raw_payload, created_at, updated_at`

func scanEvent(row scanner) (model.CalendarEvent, error) {
	var (
		e                                   model.CalendarEvent
		project, desc, location, rrule, uid sql.NullString
		raw                                 sql.NullString
		exdates                             string
	)
	err := row.Scan(&e.ID, &project, &e.Title, &desc, &location, &e.StartAt, &e.EndAt, &e.IsAllDay,
		&rrule, &exdates, &e.Source, &uid, &raw, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.ProjectID = nullString(project)
	e.Description = nullString(desc)
	e.Location = nullString(location)
	e.RRule = nullString(rrule)
	e.SourceUID = nullString(uid)
	e.RawPayload = nullString(raw)
	if err := decodeJSON(exdates, &e.ExDates); err != nil {
		return e, err
	}
	return e, nil
}

func (s *SQL) queryEvents(ctx context.Context, q string, args ...any) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []model.CalendarEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQL) ListEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM calendar_events
		WHERE start_at < $1 AND (end_at > $2 OR (rrule IS NOT NULL AND rrule <> ''))
		ORDER BY start_at, id`, end.UTC(), start.UTC())
}

// EventsByKey returns the stored rows matching the natural keys of drafts.
// Unkeyed drafts and keys with no row are skipped; each row appears once.
func (s *SQL) EventsByKey(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error) {
	out := []model.CalendarEvent{}
	seen := map[string]bool{}
	for _, d := range drafts {
		key, ok := d.Key()
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		ev := fromDraft(d)
		ev.Normalize()
		e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events
			WHERE source = $1 AND source_uid = $2`, ev.Source, ev.SourceUID))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up event %q: %w", *d.SourceUID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQL) GetEvent(ctx context.Context, id string) (model.CalendarEvent, error) {
	return s.getEvent(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) getEvent(ctx context.Context, q querier, id string) (model.CalendarEvent, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("failed to query event: %w", err)
	}
	return e, nil
}

func (s *SQL) CreateEvent(ctx context.Context, ev model.CalendarEvent) (model.CalendarEvent, error) {
	ev.Normalize()
	if ev.Title == "" {
		return ev, model.ErrTitleRequired
	}
	ev.ID = uuid.NewString()
	if err := s.insertEvent(ctx, s.db, ev); err != nil {
		return ev, err
	}
	return s.GetEvent(ctx, ev.ID)
}

func (s *SQL) insertEvent(ctx context.Context, q querier, ev model.CalendarEvent) error {
	exdates, err := encodeTimes(ev.ExDates)
	if err != nil {
		return err
	}
	now := s.stamp()
	_, err = q.ExecContext(ctx, `INSERT INTO calendar_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, ev.ProjectID, ev.Title, ev.Description, ev.Location, ev.StartAt.UTC(), ev.EndAt.UTC(), ev.IsAllDay,
		ev.RRule, exdates, ev.Source, ev.SourceUID, ev.RawPayload, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQL) UpdateEvent(ctx context.Context, ev model.CalendarEvent) (model.CalendarEvent, error) {
	ev.Normalize()
	if ev.Title == "" {
		return ev, model.ErrTitleRequired
	}
	exdates, err := encodeTimes(ev.ExDates)
	if err != nil {
		return ev, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE calendar_events SET project_id = $1, title = $2, description = $3,
		location = $4, start_at = $5, end_at = $6, is_all_day = $7, rrule = $8, exdates = $9, updated_at = $10
		WHERE id = $11`,
		ev.ProjectID, ev.Title, ev.Description, ev.Location, ev.StartAt.UTC(), ev.EndAt.UTC(), ev.IsAllDay,
		ev.RRule, exdates, s.stamp(), ev.ID)
	if err != nil {
		return ev, fmt.Errorf("failed to update event: %w", err)
	}
	if err := requireRow(res); err != nil {
		return ev, err
	}
	return s.GetEvent(ctx, ev.ID)
}

func (s *SQL) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return requireRow(res)
}

// UpsertEvents runs the whole batch in one transaction. Drafts are applied
// in order, so a key repeated within the batch ends with the last draft's
// fields. The project assignment of an existing row is kept.
func (s *SQL) UpsertEvents(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]model.CalendarEvent, 0, len(drafts))
	for i, d := range drafts {
		ev := fromDraft(d)
		ev.Normalize()

		if _, keyed := d.Key(); !keyed {
			ev.ID = uuid.NewString()
			ev.SourceUID = nil
			if err := s.insertEvent(ctx, tx, ev); err != nil {
				return nil, fmt.Errorf("draft %d: %w", i, err)
			}
			stored, err := s.getEvent(ctx, tx, ev.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, stored)
			continue
		}

		exdates, err := encodeTimes(ev.ExDates)
		if err != nil {
			return nil, err
		}
		now := s.stamp()
		_, err = tx.ExecContext(ctx, `INSERT INTO calendar_events (`+eventColumns+`)
			VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (source, source_uid) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				location = excluded.location,
				start_at = excluded.start_at,
				end_at = excluded.end_at,
				is_all_day = excluded.is_all_day,
				rrule = excluded.rrule,
				exdates = excluded.exdates,
				raw_payload = excluded.raw_payload,
				updated_at = excluded.updated_at`,
			uuid.NewString(), ev.Title, ev.Description, ev.Location, ev.StartAt.UTC(), ev.EndAt.UTC(), ev.IsAllDay,
			ev.RRule, exdates, ev.Source, ev.SourceUID, ev.RawPayload, now)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert draft %d: %w", i, err)
		}

		stored, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events
			WHERE source = $1 AND source_uid = $2`, ev.Source, ev.SourceUID))
		if err != nil {
			return nil, fmt.Errorf("failed to read upserted draft %d: %w", i, err)
		}
		out = append(out, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	appLog.Debug("events upserted", "count", len(out))
	return out, nil
}

func fromDraft(d model.DraftEvent) model.CalendarEvent {
	return model.CalendarEvent{
		Title:       d.Title,
		Description: d.Description,
		Location:    d.Location,
		StartAt:     d.StartAt,
		EndAt:       d.EndAt,
		IsAllDay:    d.IsAllDay,
		RRule:       d.RRule,
		ExDates:     d.ExDates,
		Source:      d.Source,
		SourceUID:   model.StringPtr(deref(d.SourceUID)),
		RawPayload:  d.RawPayload,
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func taskJSON(t model.Task) (string, string, error) {
	tags, err := json.Marshal(nonNil(t.Tags))
	if err != nil {
		return "", "", err
	}
	attachments, err := json.Marshal(nonNil(t.Attachments))
	if err != nil {
		return "", "", err
	}
	return string(tags), string(attachments), nil
}

func encodeTimes(ts []time.Time) (string, error) {
	utc := make([]time.Time, 0, len(ts))
	for _, t := range ts {
		utc = append(utc, t.UTC())
	}
	b, err := json.Marshal(utc)
	return string(b), err
}

func decodeJSON[T any](raw string, dst *[]T) error {
	*dst = []T{}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
