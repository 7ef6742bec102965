// Package importer normalizes calendar imports into draft events and merges
// them into storage by their natural key.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"currently/internal/ai"
	"currently/internal/ics"
	appLog "currently/internal/log"
	"currently/internal/model"
)

type Kind string

const (
	KindICS   Kind = "ics"
	KindText  Kind = "text"
	KindImage Kind = "image"

	untitledMeeting  = "Untitled meeting"
	screenshotMarker = "screenshot_import"
)

var (
	ErrEmptySource = errors.New("provide ics, text, or image")
	ErrNoExtractor = errors.New("text and image imports need an AI key")
)

// Source is one import payload. Data holds the file bytes for ics and
// image kinds; Text holds the free text.
type Source struct {
	Kind     Kind
	Data     []byte
	Text     string
	MimeType string
	// Tag overrides the draft source tag; empty means "import".
	Tag string
}

// Extractor is the AI collaborator used for text and image sources.
type Extractor interface {
	ExtractEvents(ctx context.Context, req ai.EventRequest) ([]ai.ExtractedEvent, error)
}

// Upserter is the storage side of a merge.
type Upserter interface {
	UpsertEvents(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error)
}

// Normalized is the outcome of Normalize. Dropped lists records that could
// not become drafts, with a reason each.
type Normalized struct {
	Drafts  []model.DraftEvent
	Dropped []string
}

// Normalize turns src into drafts. Structured files are parsed locally;
// text and images go through ex. Floating times are read in loc.
func Normalize(ctx context.Context, src Source, ex Extractor, loc *time.Location) (Normalized, error) {
	if loc == nil {
		loc = time.Local
	}
	tag := src.Tag
	if tag == "" {
		tag = model.SourceImport
	}

	switch src.Kind {
	case KindICS:
		rep, err := ics.ParseDrafts(src.Data, tag, loc)
		if err != nil {
			return Normalized{}, fmt.Errorf("parse ics: %w", err)
		}
		out := Normalized{Drafts: rep.Drafts}
		for _, s := range rep.Skipped {
			out.Dropped = append(out.Dropped, fmt.Sprintf("vevent %d (%s): %s", s.Index, s.UID, s.Reason))
		}
		return out, nil

	case KindText, KindImage:
		if src.Kind == KindText && strings.TrimSpace(src.Text) == "" || src.Kind == KindImage && len(src.Data) == 0 {
			return Normalized{}, ErrEmptySource
		}
		if ex == nil {
			return Normalized{}, ErrNoExtractor
		}
		req := ai.EventRequest{Kind: ai.EventsFromText, Text: src.Text, Location: loc}
		raw := src.Text
		if src.Kind == KindImage {
			req = ai.EventRequest{Kind: ai.EventsFromImage, Image: src.Data, MimeType: src.MimeType, Location: loc}
			raw = screenshotMarker
		}
		extracted, err := ex.ExtractEvents(ctx, req)
		if err != nil {
			return Normalized{}, err
		}
		return adapt(extracted, tag, raw, loc), nil
	}
	return Normalized{}, ErrEmptySource
}

func adapt(in []ai.ExtractedEvent, tag, raw string, loc *time.Location) Normalized {
	var out Normalized
	for i, e := range in {
		start, ok := ai.ParseInstant(e.StartAt, loc)
		if !ok {
			out.Dropped = append(out.Dropped, fmt.Sprintf("event %d: unparseable start_at %q", i, e.StartAt))
			continue
		}
		end, ok := ai.ParseInstant(e.EndAt, loc)
		if !ok {
			out.Dropped = append(out.Dropped, fmt.Sprintf("event %d: unparseable end_at %q", i, e.EndAt))
			continue
		}
		title := strings.TrimSpace(e.Title)
		if title == "" {
			title = untitledMeeting
		}
		d := model.DraftEvent{
			Title:       title,
			Description: nonBlank(e.Description),
			Location:    nonBlank(e.Location),
			StartAt:     start,
			EndAt:       end,
			IsAllDay:    e.IsAllDay,
			RRule:       nonBlank(e.RRule),
			Source:      tag,
			SourceUID:   nonBlank(e.SourceUID),
			RawPayload:  model.StringPtr(raw),
		}
		if d.IsAllDay && !d.EndAt.After(d.StartAt) {
			d.EndAt = d.StartAt.AddDate(0, 0, 1)
		}
		out.Drafts = append(out.Drafts, d)
	}
	return out
}

// MergeResult is the outcome of Merge. Events is the merged in-memory
// collection, ordered by start.
type MergeResult struct {
	Stored   []model.CalendarEvent
	Events   []model.CalendarEvent
	Inserted int
	Updated  int
}

// Merge upserts drafts and folds the stored rows into existing by id:
// replace if present, append otherwise. A failed upsert leaves existing
// untouched.
func Merge(ctx context.Context, st Upserter, drafts []model.DraftEvent, existing []model.CalendarEvent) (MergeResult, error) {
	if len(drafts) == 0 {
		return MergeResult{Events: sortedCopy(existing)}, nil
	}
	stored, err := st.UpsertEvents(ctx, drafts)
	if err != nil {
		return MergeResult{}, fmt.Errorf("upsert imported events: %w", err)
	}

	byID := make(map[string]int, len(existing)+len(stored))
	merged := make([]model.CalendarEvent, 0, len(existing)+len(stored))
	for _, e := range existing {
		byID[e.ID] = len(merged)
		merged = append(merged, e)
	}

	res := MergeResult{Stored: stored}
	seen := map[string]bool{}
	for _, e := range stored {
		if i, ok := byID[e.ID]; ok {
			merged[i] = e
			if !seen[e.ID] {
				res.Updated++
			}
		} else {
			byID[e.ID] = len(merged)
			merged = append(merged, e)
			res.Inserted++
		}
		seen[e.ID] = true
	}
	res.Events = sortedCopy(merged)
	appLog.Info("import merged", "drafts", len(drafts), "inserted", res.Inserted, "updated", res.Updated)
	return res, nil
}

func sortedCopy(in []model.CalendarEvent) []model.CalendarEvent {
	out := append([]model.CalendarEvent(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	return model.StringPtr(*s)
}

// KeyedStore is the storage an Engine needs: upserts plus a lookup of the
// rows already stored under the drafts' natural keys.
type KeyedStore interface {
	Upserter
	EventsByKey(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error)
}

// Engine runs Normalize then Merge against one store.
type Engine struct {
	Store     KeyedStore
	Extractor Extractor
	Location  *time.Location
}

// Outcome is what an import reports back to the caller.
type Outcome struct {
	MergeResult
	Dropped []string
}

// Import normalizes src and merges the drafts into the rows already stored
// under their keys, so Inserted and Updated hold for events of any date.
func (e *Engine) Import(ctx context.Context, src Source) (Outcome, error) {
	norm, err := Normalize(ctx, src, e.Extractor, e.Location)
	if err != nil {
		return Outcome{}, err
	}
	for _, d := range norm.Dropped {
		appLog.Debug("import record dropped", "kind", string(src.Kind), "reason", d)
	}
	existing, err := e.Store.EventsByKey(ctx, norm.Drafts)
	if err != nil {
		return Outcome{}, fmt.Errorf("look up imported keys: %w", err)
	}
	res, err := Merge(ctx, e.Store, norm.Drafts, existing)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{MergeResult: res, Dropped: norm.Dropped}, nil
}
