// Package caldav imports events from a CalDAV calendar (iCloud, Fastmail,
// Nextcloud, ...).
package caldav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"currently/internal/ics"
	appLog "currently/internal/log"
	"currently/internal/model"
)

// Source is the draft source tag for CalDAV events.
const Source = "caldav"

// basicAuthTransport adds Basic Auth and a user agent to each request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "currently/1.0")
	return t.Transport.RoundTrip(req)
}

type Config struct {
	Endpoint string
	Username string
	Password string
	// Calendar is the display name to import; empty imports every calendar.
	Calendar string
}

type Client struct {
	cal      *caldav.Client
	endpoint string
	calendar string
	loc      *time.Location
}

func NewClient(cfg Config, loc *time.Location) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("caldav endpoint is empty")
	}
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &basicAuthTransport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: http.DefaultTransport,
		},
	}
	c, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Client{cal: c, endpoint: cfg.Endpoint, calendar: cfg.Calendar, loc: loc}, nil
}

// Name identifies the provider in scheduler logs.
func (c *Client) Name() string { return Source }

// calendars discovers the principal's calendars and keeps the configured one.
func (c *Client) calendars(ctx context.Context) ([]caldav.Calendar, error) {
	principal, err := c.cal.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSet, err := c.cal.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	all, err := c.cal.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	if c.calendar == "" {
		return all, nil
	}
	for _, cal := range all {
		if cal.Name == c.calendar {
			return []caldav.Calendar{cal}, nil
		}
	}
	return nil, fmt.Errorf("no calendar found with name '%s'", c.calendar)
}

// Drafts queries every selected calendar for events touching window.
// Recurring series are returned as their master plus overrides; expansion
// happens locally.
func (c *Client) Drafts(ctx context.Context, start, end time.Time) ([]model.DraftEvent, error) {
	cals, err := c.calendars(ctx)
	if err != nil {
		return nil, err
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start.UTC(), End: end.UTC()}},
		},
	}

	var out []model.DraftEvent
	for _, cal := range cals {
		objects, err := c.cal.QueryCalendar(ctx, cal.Path, query)
		if err != nil {
			return nil, fmt.Errorf("query calendar %s: %w", cal.Name, err)
		}
		drafts := ObjectsToDrafts(objects, c.loc)
		appLog.Info("caldav calendar queried", "endpoint", c.endpoint, "calendar", cal.Name, "objects", len(objects), "drafts", len(drafts))
		out = append(out, drafts...)
	}
	return out, nil
}

// ObjectsToDrafts re-encodes each calendar object and reads it with the
// shared ICS parser, so TZID, EXDATE and RECURRENCE-ID handling matches
// file imports.
func ObjectsToDrafts(objects []caldav.CalendarObject, loc *time.Location) []model.DraftEvent {
	var out []model.DraftEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(obj.Data); err != nil {
			appLog.Error("caldav object not encodable", err, "path", obj.Path)
			continue
		}
		rep, err := ics.ParseDrafts(buf.Bytes(), Source, loc)
		if err != nil {
			appLog.Error("caldav object not parseable", err, "path", obj.Path)
			continue
		}
		for _, d := range rep.Drafts {
			if d.SourceUID == nil {
				// Objects are addressed by path when the VEVENT has no UID.
				d.SourceUID = model.StringPtr(strings.TrimSuffix(obj.Path, ".ics"))
			}
			out = append(out, d)
		}
	}
	return out
}
