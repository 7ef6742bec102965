// Package google imports events from Google Calendar. Recurring series are
// kept as series (master plus overrides) and expanded locally.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"currently/internal/ics"
	appLog "currently/internal/log"
	"currently/internal/model"
)

// Source is the draft source tag for Google events.
const Source = "google"

type Config struct {
	CredentialsFile string
	TokenFile       string
	CalendarIDs     []string
}

type Client struct {
	service     *calendar.Service
	calendarIDs []string
	loc         *time.Location
}

// NewClient builds an authenticated client from a desktop OAuth
// credentials file and a previously saved token.
func NewClient(ctx context.Context, cfg Config, loc *time.Location) (*Client, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	oc, err := googleoauth.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	tok, err := TokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token %s: %w", cfg.TokenFile, err)
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(oc.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewWithService(svc, cfg.CalendarIDs, loc), nil
}

// NewWithService wraps an existing service; calendarIDs defaults to
// "primary".
func NewWithService(svc *calendar.Service, calendarIDs []string, loc *time.Location) *Client {
	if len(calendarIDs) == 0 {
		calendarIDs = []string{"primary"}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Client{service: svc, calendarIDs: calendarIDs, loc: loc}
}

func (c *Client) Name() string { return Source }

// Drafts lists events touching [start, end) on every configured calendar.
func (c *Client) Drafts(ctx context.Context, start, end time.Time) ([]model.DraftEvent, error) {
	var out []model.DraftEvent
	for _, id := range c.calendarIDs {
		var items []*calendar.Event
		err := c.service.Events.List(id).
			ShowDeleted(true).
			SingleEvents(false).
			TimeMin(start.UTC().Format(time.RFC3339)).
			TimeMax(end.UTC().Format(time.RFC3339)).
			Pages(ctx, func(page *calendar.Events) error {
				items = append(items, page.Items...)
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events for %s: %w", id, err)
		}
		drafts := EventsToDrafts(items, c.loc)
		appLog.Info("google calendar listed", "calendar_id", id, "items", len(items), "drafts", len(drafts))
		out = append(out, drafts...)
	}
	return out, nil
}

// EventsToDrafts converts API items. Cancelled instances of a series become
// exception dates of their master; modified instances become override
// drafts keyed like ICS RECURRENCE-ID overrides.
func EventsToDrafts(items []*calendar.Event, loc *time.Location) []model.DraftEvent {
	var (
		out       []model.DraftEvent
		masters   = map[string]int{}
		exByID    = map[string][]time.Time{}
		uidByID   = map[string]string{}
		pendingID []string
	)
	for _, it := range items {
		if it.RecurringEventId == "" && it.Status != "cancelled" {
			uidByID[it.Id] = uidOf(it)
		}
	}

	for _, it := range items {
		if it.RecurringEventId != "" && it.OriginalStartTime != nil {
			orig, _, ok := eventTime(it.OriginalStartTime, loc)
			if ok {
				exByID[it.RecurringEventId] = append(exByID[it.RecurringEventId], orig)
			}
			if it.Status == "cancelled" || !ok {
				continue
			}
			d, ok := toDraft(it, loc)
			if !ok {
				continue
			}
			parent := uidByID[it.RecurringEventId]
			if parent == "" {
				parent = it.RecurringEventId
			}
			key := ics.OverrideUID(parent, orig)
			d.SourceUID = &key
			d.RRule = nil
			out = append(out, d)
			continue
		}
		if it.Status == "cancelled" {
			continue
		}
		d, ok := toDraft(it, loc)
		if !ok {
			appLog.Debug("google event skipped", "id", it.Id, "reason", "no usable start")
			continue
		}
		if d.RRule != nil {
			masters[it.Id] = len(out)
			pendingID = append(pendingID, it.Id)
		}
		out = append(out, d)
	}

	for _, id := range pendingID {
		i := masters[id]
		out[i].ExDates = append(out[i].ExDates, exByID[id]...)
	}
	return out
}

func toDraft(it *calendar.Event, loc *time.Location) (model.DraftEvent, bool) {
	start, allDay, ok := eventTime(it.Start, loc)
	if !ok {
		return model.DraftEvent{}, false
	}
	end, _, ok := eventTime(it.End, loc)
	if !ok {
		end = start
	}
	title := strings.TrimSpace(it.Summary)
	if title == "" {
		title = "Untitled meeting"
	}
	d := model.DraftEvent{
		Title:       title,
		Description: model.StringPtr(it.Description),
		Location:    model.StringPtr(it.Location),
		StartAt:     start,
		EndAt:       end,
		IsAllDay:    allDay,
		Source:      Source,
		SourceUID:   model.StringPtr(uidOf(it)),
	}
	if allDay && !d.EndAt.After(d.StartAt) {
		d.EndAt = d.StartAt.AddDate(0, 0, 1)
	}
	if len(it.Recurrence) > 0 {
		zone := loc
		if it.Start.TimeZone != "" {
			if l, err := time.LoadLocation(it.Start.TimeZone); err == nil {
				zone = l
			}
		}
		d.RRule, d.ExDates = ics.RecurrenceLines(it.Recurrence, zone)
	}
	if raw, err := json.Marshal(it); err == nil {
		payload := string(raw)
		d.RawPayload = &payload
	}
	return d, true
}

func uidOf(it *calendar.Event) string {
	if it.ICalUID != "" {
		return it.ICalUID
	}
	return it.Id
}

// eventTime reads an all-day Date or a timed DateTime. The bool reports a
// bare date.
func eventTime(et *calendar.EventDateTime, loc *time.Location) (time.Time, bool, bool) {
	if et == nil {
		return time.Time{}, false, false
	}
	if et.DateTime != "" {
		t, err := time.Parse(time.RFC3339, et.DateTime)
		return t, false, err == nil
	}
	if et.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", et.Date, loc)
		return t, true, err == nil
	}
	return time.Time{}, false, false
}

// AuthURL returns the consent URL for the desktop flow.
func AuthURL(credentialsFile string) (string, *oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	oc, err := googleoauth.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return "", nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	oc.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	return oc.AuthCodeURL("state-token", oauth2.AccessTypeOffline), oc, nil
}

// SaveToken writes tok to path with 0600 permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}

func TokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
