// Package feeds refreshes external calendars on a cron schedule and writes
// their events through the store's natural-key upsert.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"currently/internal/ics"
	appLog "currently/internal/log"
	"currently/internal/model"
)

// Provider is a calendar source queried over a time window.
type Provider interface {
	Name() string
	Drafts(ctx context.Context, start, end time.Time) ([]model.DraftEvent, error)
}

// Fetcher downloads one ICS subscription.
type Fetcher interface {
	Fetch(ctx context.Context, sub ics.Subscription) (ics.FetchResult, error)
}

type Upserter interface {
	UpsertEvents(ctx context.Context, drafts []model.DraftEvent) ([]model.CalendarEvent, error)
}

// Report summarizes one refresh run. A failing source is recorded in
// Errors and does not stop the others.
type Report struct {
	StartedAt time.Time         `json:"started_at"`
	Sources   int               `json:"sources"`
	Drafts    int               `json:"drafts"`
	Stored    int               `json:"stored"`
	Skipped   int               `json:"skipped"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type Options struct {
	Subscriptions []ics.Subscription
	Fetcher       Fetcher
	Providers     []Provider
	Store         Upserter
	Location      *time.Location
	// PastDays and FutureDays bound provider queries.
	PastDays   int
	FutureDays int
	// OnSynced runs after every run that stored at least one event.
	OnSynced func(Report)
}

type Scheduler struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	running bool
	last    *Report
	cron    *cron.Cron
}

func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PastDays <= 0 {
		opts.PastDays = 14
	}
	if opts.FutureDays <= 0 {
		opts.FutureDays = 90
	}
	return &Scheduler{opts: opts, now: time.Now}
}

var ErrAlreadyRunning = errors.New("refresh already running")

// RunOnce refreshes every source. Concurrent calls return
// ErrAlreadyRunning instead of overlapping.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	now := s.now()
	rep := Report{StartedAt: now.UTC(), Errors: map[string]string{}}
	var all []model.DraftEvent

	for _, sub := range s.opts.Subscriptions {
		rep.Sources++
		drafts, skipped, err := s.subscription(ctx, sub)
		if err != nil {
			rep.Errors[sub.ID] = err.Error()
			appLog.Error("feed refresh failed", err, "source", sub.ID)
			continue
		}
		rep.Skipped += skipped
		all = append(all, drafts...)
	}

	start := now.AddDate(0, 0, -s.opts.PastDays)
	end := now.AddDate(0, 0, s.opts.FutureDays)
	for _, p := range s.opts.Providers {
		rep.Sources++
		drafts, err := p.Drafts(ctx, start, end)
		if err != nil {
			rep.Errors[p.Name()] = err.Error()
			appLog.Error("feed refresh failed", err, "source", p.Name())
			continue
		}
		all = append(all, drafts...)
	}

	rep.Drafts = len(all)
	if len(all) > 0 {
		stored, err := s.opts.Store.UpsertEvents(ctx, all)
		if err != nil {
			return rep, fmt.Errorf("store refreshed events: %w", err)
		}
		rep.Stored = len(stored)
	}

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()

	appLog.Info("feed refresh done", "sources", rep.Sources, "drafts", rep.Drafts, "stored", rep.Stored, "errors", len(rep.Errors), "elapsed", time.Since(now).String())
	if rep.Stored > 0 && s.opts.OnSynced != nil {
		s.opts.OnSynced(rep)
	}
	return rep, nil
}

func (s *Scheduler) subscription(ctx context.Context, sub ics.Subscription) ([]model.DraftEvent, int, error) {
	if s.opts.Fetcher == nil {
		return nil, 0, errors.New("no fetcher configured")
	}
	res, err := s.opts.Fetcher.Fetch(ctx, sub)
	if err != nil {
		return nil, 0, err
	}
	source := sub.ID
	if source == "" {
		source = model.SourceImport
	}
	parsed, err := ics.ParseDrafts(res.Body, source, s.opts.Location)
	if err != nil {
		return nil, 0, err
	}
	return parsed.Drafts, len(parsed.Skipped), nil
}

// Last returns the report of the most recent completed run.
func (s *Scheduler) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Start runs RunOnce on spec (standard five-field cron) until Stop or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	c := cron.New(cron.WithLocation(s.opts.Location))
	_, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid refresh spec %q: %w", spec, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	appLog.Info("feed scheduler started", "spec", spec, "sources", len(s.opts.Subscriptions)+len(s.opts.Providers))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	appLog.Info("feed scheduler stopped")
}
