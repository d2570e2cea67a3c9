package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// mockTransport returns canned responses keyed by method.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response
	sent      []Request
	notifs    []Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string][]*Response)}
}

// addResponse queues a result for method. Queued results are served
// in order; the last one repeats.
func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = append(m.responses[method], &Response{JSONRPC: "2.0", Result: data})
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: msg},
	})
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	queue := m.responses[req.Method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[req.Method] = queue[1:]
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "crm-server", Version: "1.0.0"},
	})

	client := NewClient("crm", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !client.Initialized() {
		t.Error("expected initialized")
	}

	params, _ := mt.sent[0].Params.(map[string]any)
	if params["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", params["protocolVersion"])
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %+v", mt.notifs)
	}
}

func TestClient_InitializeRPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", -32603, "boom")

	client := NewClient("crm", mt, nil)
	if err := client.Initialize(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if client.Initialized() || len(mt.notifs) != 0 {
		t.Error("failed handshake must not complete")
	}
}

func TestClient_ListToolsPaginates(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{
		Tools:      []ToolDefinition{{Name: "find_deal"}},
		NextCursor: "page2",
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{{Name: "update_deal"}},
	})

	client := NewClient("crm", mt, nil)
	defs, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 || defs[1].Name != "update_deal" {
		t.Fatalf("defs = %+v", defs)
	}
	params, _ := mt.sent[1].Params.(map[string]any)
	if params["cursor"] != "page2" {
		t.Errorf("second page params = %v", mt.sent[1].Params)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		result  callToolResult
		want    string
		wantErr bool
	}{
		{
			name:   "text",
			result: callToolResult{Content: []ContentBlock{{Type: "text", Text: "deal 42 updated"}}},
			want:   "deal 42 updated",
		},
		{
			name:   "mixed blocks",
			result: callToolResult{Content: []ContentBlock{{Type: "text", Text: "a"}, {Type: "image"}, {Type: "text", Text: "b"}}},
			want:   "a\n[image]\nb",
		},
		{
			name:    "tool error",
			result:  callToolResult{Content: []ContentBlock{{Type: "text", Text: "deal not found"}}, IsError: true},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			mt.addResponse("tools/call", tt.result)
			got, err := NewClient("crm", mt, nil).CallTool(context.Background(), "update_deal", nil)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "deal not found") {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("CallTool = %q, %v", got, err)
			}
			params, _ := mt.sent[0].Params.(map[string]any)
			if _, ok := params["arguments"].(map[string]any); !ok {
				t.Error("nil arguments should be sent as an empty object")
			}
		})
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	if err := NewClient("crm", mt, nil).Close(); err != nil || !mt.closed {
		t.Fatalf("Close = %v, closed = %v", err, mt.closed)
	}
}

func TestClient_Ping(t *testing.T) {
	mt := newMockTransport()
	mt.addError("ping", CodeMethodNotFound, "Method not found")
	if err := NewClient("crm", mt, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v, a server without ping is still up", err)
	}

	mt = newMockTransport()
	mt.addError("ping", CodeInternalError, "database offline")
	if err := NewClient("crm", mt, nil).Ping(context.Background()); err == nil {
		t.Error("expected an internal error to report the server down")
	}
}
