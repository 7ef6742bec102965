// Package voice turns uploaded voice notes into task and meeting drafts.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"currently/internal/ai"
	appLog "currently/internal/log"
	"currently/internal/model"
)

var ErrNoAudio = errors.New("no audio file")

// Service is the AI surface voice notes need; *ai.Client satisfies it.
type Service interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
	ExtractTask(ctx context.Context, text string, projects []string, loc *time.Location) (ai.TaskExtraction, error)
	ExtractMeeting(ctx context.Context, text string, loc *time.Location) (ai.MeetingExtraction, error)
}

type Processor struct {
	svc Service
}

func New(svc Service) *Processor {
	return &Processor{svc: svc}
}

// Audio is one uploaded recording.
type Audio struct {
	Data     []byte
	Filename string
}

// TaskResult carries the transcript, the raw extraction and the task
// built from it. ProjectID is set when the extraction names a known project.
type TaskResult struct {
	Text      string            `json:"text"`
	Extracted ai.TaskExtraction `json:"extracted"`
	ProjectID *string           `json:"project_id"`
	Task      model.Task        `json:"task"`
}

type MeetingResult struct {
	Text      string               `json:"text"`
	Extracted ai.MeetingExtraction `json:"extracted"`
	Event     model.CalendarEvent  `json:"event"`
}

// ProcessTask transcribes audio and extracts a task. The returned Task is
// a validated draft ready for the store.
func (p *Processor) ProcessTask(ctx context.Context, audio Audio, projects []model.Project, loc *time.Location) (TaskResult, error) {
	text, err := p.transcribe(ctx, audio)
	if err != nil {
		return TaskResult{}, err
	}

	names := make([]string, 0, len(projects))
	for _, pr := range projects {
		names = append(names, pr.Name)
	}
	ext, err := p.svc.ExtractTask(ctx, text, names, loc)
	if err != nil {
		return TaskResult{}, err
	}

	res := TaskResult{Text: text, Extracted: ext}
	if ext.Project != nil {
		res.ProjectID = MatchProject(*ext.Project, projects)
	}

	task := model.Task{
		Title:       ext.Title,
		Description: model.StringPtr(ext.Description),
		Priority:    model.TaskPriority(ext.Priority),
		ProjectID:   res.ProjectID,
		Tags:        ext.Tags,
		Deadline:    ext.Deadline,
		StartAt:     ext.StartAt,
		EndAt:       ext.EndAt,
	}
	if !task.Priority.Valid() {
		task.Priority = model.PriorityMedium
	}
	if err := task.Validate(); err != nil {
		return TaskResult{}, fmt.Errorf("voice task: %w", err)
	}
	res.Task = task
	appLog.Info("voice task extracted", "title", task.Title, "project_matched", res.ProjectID != nil)
	return res, nil
}

// ProcessMeeting transcribes audio and extracts one meeting, normalized so
// that its end follows its start.
func (p *Processor) ProcessMeeting(ctx context.Context, audio Audio, loc *time.Location) (MeetingResult, error) {
	text, err := p.transcribe(ctx, audio)
	if err != nil {
		return MeetingResult{}, err
	}
	ext, err := p.svc.ExtractMeeting(ctx, text, loc)
	if err != nil {
		return MeetingResult{}, err
	}

	ev := model.CalendarEvent{
		Title:       ext.Title,
		Description: ext.Description,
		Location:    ext.Location,
		StartAt:     ext.StartAt,
		EndAt:       ext.EndAt,
		IsAllDay:    ext.IsAllDay,
		RRule:       ext.RRule,
		Source:      model.SourceManual,
	}
	ev.Normalize()
	if ev.Title == "" {
		ev.Title = "Untitled meeting"
	}
	appLog.Info("voice meeting extracted", "title", ev.Title, "all_day", ev.IsAllDay, "recurring", ev.Rule() != "")
	return MeetingResult{Text: text, Extracted: ext, Event: ev}, nil
}

func (p *Processor) transcribe(ctx context.Context, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", ErrNoAudio
	}
	return p.svc.Transcribe(ctx, audio.Data, audio.Filename)
}

// MatchProject returns the id of the project whose name equals name,
// ignoring case and surrounding space.
func MatchProject(name string, projects []model.Project) *string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	for _, p := range projects {
		if strings.EqualFold(strings.TrimSpace(p.Name), name) {
			id := p.ID
			return &id
		}
	}
	return nil
}
