// Package calendar schedules commitment check-ins on a CalDAV calendar.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const productID = "-//Jenny//Commitment Agent//EN"

// Event is a calendar event as presented to the agent.
type Event struct {
	UID       string
	Summary   string
	Start     time.Time
	End       time.Time
	Recurring bool
	Attendees []string
}

// Store persists and queries calendar events.
type Store interface {
	Put(ctx context.Context, uid string, cal *ical.Calendar) error
	Query(ctx context.Context, from, to time.Time) ([]Event, error)
}

// Config configures a CalDAV store.
type Config struct {
	URL          string
	Username     string
	Password     string
	CalendarPath string // empty discovers the first calendar
}

// DAVStore is a Store backed by a CalDAV server.
type DAVStore struct {
	client *caldav.Client
	logger *slog.Logger

	mu           sync.Mutex
	calendarPath string
}

// NewDAVStore creates a CalDAV-backed store. Calendar discovery is
// deferred to first use.
func NewDAVStore(httpClient *http.Client, cfg Config, logger *slog.Logger) (*DAVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var hc webdav.HTTPClient = httpClient
	if httpClient == nil {
		hc = http.DefaultClient
	}
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("calendar: caldav client: %w", err)
	}
	return &DAVStore{
		client:       client,
		calendarPath: cfg.CalendarPath,
		logger:       logger.With("component", "calendar"),
	}, nil
}

func (s *DAVStore) calendar(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calendarPath != "" {
		return s.calendarPath, nil
	}

	principal, err := s.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("calendar: find principal: %w", err)
	}
	home, err := s.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("calendar: find home set: %w", err)
	}
	cals, err := s.client.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("calendar: list calendars: %w", err)
	}
	if len(cals) == 0 {
		return "", fmt.Errorf("calendar: no calendars under %s", home)
	}
	s.calendarPath = cals[0].Path
	s.logger.Info("calendar discovered", "path", s.calendarPath, "name", cals[0].Name)
	return s.calendarPath, nil
}

// Put stores cal as <calendar>/<uid>.ics.
func (s *DAVStore) Put(ctx context.Context, uid string, cal *ical.Calendar) error {
	base, err := s.calendar(ctx)
	if err != nil {
		return err
	}
	path := strings.TrimRight(base, "/") + "/" + uid + ".ics"
	if _, err := s.client.PutCalendarObject(ctx, path, cal); err != nil {
		return fmt.Errorf("calendar: put %s: %w", path, err)
	}
	return nil
}

// Query returns events overlapping [from, to).
func (s *DAVStore) Query(ctx context.Context, from, to time.Time) ([]Event, error) {
	base, err := s.calendar(ctx)
	if err != nil {
		return nil, err
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, ical.PropSummary, ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropRecurrenceRule, ical.PropAttendee},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from,
				End:   to,
			}},
		},
	}
	objs, err := s.client.QueryCalendar(ctx, base, query)
	if err != nil {
		return nil, fmt.Errorf("calendar: query: %w", err)
	}

	var events []Event
	for _, obj := range objs {
		if obj.Data != nil {
			events = append(events, EventsFrom(obj.Data)...)
		}
	}
	return events, nil
}

// SyncRequest describes a check-in meeting to schedule.
type SyncRequest struct {
	Title       string
	Description string
	Start       time.Time
	Duration    time.Duration
	Attendees   []string
	Weekly      int // number of weekly occurrences; 0 or 1 is a single event
}

// NewSyncCalendar builds the iCalendar object for req with a fresh UID.
func NewSyncCalendar(req SyncRequest, now time.Time) (string, *ical.Calendar) {
	uid := uuid.NewString()

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, req.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, req.Start.Add(req.Duration).UTC())
	event.Props.SetText(ical.PropSummary, req.Title)
	if req.Description != "" {
		event.Props.SetText(ical.PropDescription, req.Description)
	}
	if req.Weekly > 1 {
		rrule := ical.NewProp(ical.PropRecurrenceRule)
		rrule.Value = fmt.Sprintf("FREQ=WEEKLY;COUNT=%d", req.Weekly)
		event.Props.Set(rrule)
	}
	for _, a := range req.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a
		event.Props.Add(p)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, event.Component)
	return uid, cal
}

// EventsFrom extracts the events of cal.
func EventsFrom(cal *ical.Calendar) []Event {
	var out []Event
	for _, ev := range cal.Events() {
		e := Event{}
		e.UID, _ = ev.Props.Text(ical.PropUID)
		e.Summary, _ = ev.Props.Text(ical.PropSummary)
		e.Start, _ = ev.DateTimeStart(time.UTC)
		e.End, _ = ev.DateTimeEnd(time.UTC)
		e.Recurring = ev.Props.Get(ical.PropRecurrenceRule) != nil
		for _, p := range ev.Props.Values(ical.PropAttendee) {
			e.Attendees = append(e.Attendees, strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"))
		}
		out = append(out, e)
	}
	return out
}
