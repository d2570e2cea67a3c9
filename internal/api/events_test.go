package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/events"
)

func TestHandleEvents_StreamsFilteredEvents(t *testing.T) {
	bus := events.New()
	srv := httptest.NewServer(newTestServer(Config{Events: bus}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?source=agent"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer good"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceSession, events.KindRequestStart, map[string]any{"request_id": "r1"})
	bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{"tool": "crm_find_contact"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Source != events.SourceAgent || ev.Kind != events.KindToolCall {
		t.Errorf("event = %s/%s, want agent/tool_call", ev.Source, ev.Kind)
	}
	if ev.Data["tool"] != "crm_find_contact" {
		t.Errorf("data = %v", ev.Data)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestHandleEvents_RequiresToken(t *testing.T) {
	authorize := func(_ context.Context, token string) error {
		if token != "good" {
			return &apperr.AuthenticationError{Message: "token rejected"}
		}
		return nil
	}
	bus := events.New()
	srv := httptest.NewServer(newTestServer(Config{Events: bus, Authorize: authorize}).Handler())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"

	tests := []struct {
		name   string
		url    string
		header http.Header
		status int
	}{
		{"no token", base, nil, http.StatusUnauthorized},
		{"rejected token", base, http.Header{"Authorization": {"Bearer stolen"}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			if err == nil {
				t.Fatal("dial succeeded without a valid token")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("resp = %v, want status %d", resp, tt.status)
			}
			resp.Body.Close()
		})
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?access_token=good", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()

	if bus.SubscriberCount() > 1 {
		t.Errorf("subscribers = %d, rejected clients must not subscribe", bus.SubscriberCount())
	}
}

func TestHandleEvents_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(Config{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSourceFilter(t *testing.T) {
	if sourceFilter("") != nil || sourceFilter(" , ") != nil {
		t.Error("empty filter should be nil")
	}
	f := sourceFilter("agent, session")
	if !f["agent"] || !f["session"] || f["lifecycle"] {
		t.Errorf("filter = %v", f)
	}
}
