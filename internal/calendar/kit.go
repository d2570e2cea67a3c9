package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/jenny-agent/internal/tools"
)

// Integration is the authorization name for calendar tools.
const Integration = "calendar"

// Kit exposes a Store as agent tools.
type Kit struct {
	store Store
	now   func() time.Time
}

// NewKit wraps store.
func NewKit(store Store) *Kit {
	return &Kit{store: store, now: time.Now}
}

// Integration returns the integration name.
func (k *Kit) Integration() string { return Integration }

// Tools returns the calendar tools.
func (k *Kit) Tools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "calendar_schedule_sync",
			Description: "Schedule a check-in meeting for a commitment, optionally repeating weekly until the due date.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":            map[string]any{"type": "string"},
					"start":            map[string]any{"type": "string", "description": "RFC 3339 start time"},
					"duration_minutes": map[string]any{"type": "integer", "description": "Default 30"},
					"attendees":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "E-mail addresses"},
					"weekly_count":     map[string]any{"type": "integer", "description": "Number of weekly occurrences"},
					"description":      map[string]any{"type": "string"},
				},
				"required": []string{"title", "start"},
			},
			Handler: k.handleSchedule,
		},
		{
			Name:        "calendar_list_events",
			Description: "List calendar events in a time window. Defaults to the next 14 days.",
			Integration: Integration,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from": map[string]any{"type": "string", "description": "RFC 3339"},
					"to":   map[string]any{"type": "string", "description": "RFC 3339"},
				},
			},
			Handler: k.handleList,
		},
	}
}

func (k *Kit) handleSchedule(ctx context.Context, args map[string]any) (string, error) {
	title, err := tools.RequireString(args, "title")
	if err != nil {
		return "", err
	}
	rawStart, err := tools.RequireString(args, "start")
	if err != nil {
		return "", err
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return "", fmt.Errorf("start %q: expected RFC 3339", rawStart)
	}

	minutes := tools.IntArg(args, "duration_minutes")
	if minutes <= 0 {
		minutes = 30
	}
	weekly := tools.IntArg(args, "weekly_count")
	if weekly > 52 {
		return "", fmt.Errorf("weekly_count %d exceeds 52", weekly)
	}

	req := SyncRequest{
		Title:       title,
		Description: tools.StringArg(args, "description"),
		Start:       start,
		Duration:    time.Duration(minutes) * time.Minute,
		Attendees:   tools.StringSliceArg(args, "attendees"),
		Weekly:      weekly,
	}
	uid, cal := NewSyncCalendar(req, k.now())
	if err := k.store.Put(ctx, uid, cal); err != nil {
		return "", err
	}

	msg := fmt.Sprintf("Scheduled %q at %s (%d min)", title, start.Format(time.RFC3339), minutes)
	if weekly > 1 {
		msg += fmt.Sprintf(", weekly x%d", weekly)
	}
	if len(req.Attendees) > 0 {
		msg += " with " + strings.Join(req.Attendees, ", ")
	}
	return msg + ". UID: " + uid, nil
}

func (k *Kit) handleList(ctx context.Context, args map[string]any) (string, error) {
	from := k.now()
	to := from.Add(14 * 24 * time.Hour)
	if v := tools.StringArg(args, "from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return "", fmt.Errorf("from %q: expected RFC 3339", v)
		}
		from = t
	}
	if v := tools.StringArg(args, "to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return "", fmt.Errorf("to %q: expected RFC 3339", v)
		}
		to = t
	}
	if !to.After(from) {
		return "", fmt.Errorf("to must be after from")
	}

	events, err := k.store.Query(ctx, from, to)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "No events in that window.", nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })

	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "%s  %s", e.Start.Format("2006-01-02 15:04 MST"), e.Summary)
		if e.Recurring {
			sb.WriteString(" (recurring)")
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
