package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/jenny-agent/internal/events"
	"github.com/nugget/jenny-agent/internal/llm"
	"github.com/nugget/jenny-agent/internal/prompts"
	"github.com/nugget/jenny-agent/internal/tools"
)

type chatCall struct {
	Messages []llm.Message
	Tools    []map[string]any
}

// mockLLM returns queued responses in order and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	calls     []chatCall
}

func (m *mockLLM) Chat(_ context.Context, _ string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, chatCall{Messages: append([]llm.Message(nil), msgs...), Tools: defs})
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}}, nil
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func toolCall(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}}},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func answer(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: text},
		InputTokens:  150,
		OutputTokens: 30,
	}
}

func testTools() *tools.Set {
	return tools.NewSet(
		&tools.Tool{
			Name:        "tracker_create_issue",
			Integration: "tracker",
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				return "Created issue #42: " + tools.StringArg(args, "title"), nil
			},
		},
		&tools.Tool{
			Name:        "crm_record_commitment",
			Integration: "crm",
			Handler: func(context.Context, map[string]any) (string, error) {
				return "", errors.New("ledger locked")
			},
		},
	)
}

func build(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.Tools == nil {
		cfg.Tools = testTools()
	}
	e, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return e
}

func TestBuild_Validation(t *testing.T) {
	if _, err := Build(Config{Model: "m"}); err == nil {
		t.Error("Build without LLM should fail")
	}
	if _, err := Build(Config{LLM: &mockLLM{}}); err == nil {
		t.Error("Build without model should fail")
	}
	e, err := Build(Config{LLM: &mockLLM{}, Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if e.cfg.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d", e.cfg.MaxIterations)
	}
}

func TestInvoke_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{answer("Hi, I'm Jenny.")}}
	e := build(t, Config{
		System:  "You are Jenny.",
		History: []Turn{{Role: RoleHuman, Content: "earlier"}, {Role: RoleAssistant, Content: "reply"}},
		LLM:     mock,
	})

	res, err := e.Invoke(context.Background(), Input{Text: "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "Hi, I'm Jenny." || res.Iterations != 1 || len(res.Steps) != 0 {
		t.Errorf("res = %+v", res)
	}

	msgs := mock.calls[0].Messages
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, r)
		}
	}
	if msgs[3].Content != "hello" {
		t.Errorf("last message = %q", msgs[3].Content)
	}
	if len(mock.calls[0].Tools) != 2 {
		t.Errorf("tool definitions = %d, want 2", len(mock.calls[0].Tools))
	}
}

func TestInvoke_InputNotDuplicated(t *testing.T) {
	mock := &mockLLM{}
	e := build(t, Config{
		History: []Turn{{Role: RoleHuman, Content: "file the SSO issue"}},
		LLM:     mock,
	})
	if _, err := e.Invoke(context.Background(), Input{Text: "file the SSO issue"}); err != nil {
		t.Fatal(err)
	}
	msgs := mock.calls[0].Messages
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want the single history turn", len(msgs))
	}
}

func TestInvoke_ToolLoop(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCall("c1", "tracker_create_issue", map[string]any{"title": "Acme SSO"}),
		answer("Filed #42 for Acme."),
	}}
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	e := build(t, Config{LLM: mock, Events: bus, RequestID: "req-1"})
	res, err := e.Invoke(context.Background(), Input{Text: "we promised Acme SSO"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "Filed #42 for Acme." || res.Iterations != 2 {
		t.Errorf("res = %+v", res)
	}
	if len(res.Steps) != 1 || res.Steps[0].IsError || res.Steps[0].Result != "Created issue #42: Acme SSO" {
		t.Errorf("steps = %+v", res.Steps)
	}
	if res.InputTokens != 250 || res.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}

	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" {
		t.Errorf("tool result message = %+v", last)
	}
	if prev := second[len(second)-2]; prev.Role != "assistant" || len(prev.ToolCalls) != 1 {
		t.Errorf("assistant tool-call message = %+v", prev)
	}

	kinds := map[string]int{}
	timeout := time.After(time.Second)
	for len(kinds) < 4 {
		select {
		case ev := <-ch:
			kinds[ev.Kind]++
			if ev.Data["request_id"] != "req-1" {
				t.Errorf("event %s request_id = %v", ev.Kind, ev.Data["request_id"])
			}
		case <-timeout:
			t.Fatalf("events seen = %v", kinds)
		}
	}
	if kinds[events.KindToolCall] != 1 || kinds[events.KindToolDone] != 1 {
		t.Errorf("tool events = %v", kinds)
	}
}

func TestInvoke_ToolErrorsFedBack(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		contains string
	}{
		{"unknown tool", "calendar_schedule_sync", nil, "not available"},
		{"handler error", "crm_record_commitment", map[string]any{}, "ledger locked"},
		{"bad json", "tracker_create_issue", map[string]any{"_raw": "{title"}, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolCall("c1", tt.tool, tt.args),
				answer("Sorry, that failed."),
			}}
			e := build(t, Config{LLM: mock})
			res, err := e.Invoke(context.Background(), Input{Text: "x"})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if len(res.Steps) != 1 || !res.Steps[0].IsError {
				t.Fatalf("steps = %+v", res.Steps)
			}
			if !strings.Contains(res.Steps[0].Result, tt.contains) {
				t.Errorf("result = %q, want %q", res.Steps[0].Result, tt.contains)
			}
			msgs := mock.calls[1].Messages
			if got := msgs[len(msgs)-1].Content; !strings.HasPrefix(got, "Error: ") {
				t.Errorf("model saw %q", got)
			}
		})
	}
}

func TestInvoke_MaxIterations(t *testing.T) {
	var queue []*llm.ChatResponse
	for range 5 {
		queue = append(queue, toolCall("c", "tracker_create_issue", map[string]any{"title": "again"}))
	}
	mock := &mockLLM{responses: queue}
	e := build(t, Config{LLM: mock, MaxIterations: 3})

	res, err := e.Invoke(context.Background(), Input{Text: "loop"})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if len(mock.calls) != 3 || res.Iterations != 3 || len(res.Steps) != 3 {
		t.Errorf("calls=%d iterations=%d steps=%d", len(mock.calls), res.Iterations, len(res.Steps))
	}
}

func TestInvoke_EmptyResponseNudge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{answer(""), answer("Here you go.")}}
	e := build(t, Config{LLM: mock})
	res, err := e.Invoke(context.Background(), Input{Text: "status?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "Here you go." {
		t.Errorf("Output = %q", res.Output)
	}
	msgs := mock.calls[1].Messages
	if msgs[len(msgs)-1].Content != prompts.EmptyResponseNudge {
		t.Error("nudge not sent")
	}

	// A second empty answer falls back to a canned reply.
	mock = &mockLLM{responses: []*llm.ChatResponse{answer(""), answer("")}}
	res, err = build(t, Config{LLM: mock}).Invoke(context.Background(), Input{Text: "x"})
	if err != nil || res.Output != prompts.EmptyResponseFallback || len(mock.calls) != 2 {
		t.Errorf("res=%+v err=%v calls=%d", res, err, len(mock.calls))
	}
}

func TestInvoke_ModelError(t *testing.T) {
	mock := &mockLLM{err: &llm.APIError{Provider: "openai", Status: 500, Body: "overloaded"}}
	_, err := build(t, Config{LLM: mock}).Invoke(context.Background(), Input{Text: "x"})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("err = %v, want wrapped APIError", err)
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock := &mockLLM{}
	_, err := build(t, Config{LLM: mock}).Invoke(ctx, Input{Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if len(mock.calls) != 0 {
		t.Error("model called after cancellation")
	}
}

func TestMarshalSteps(t *testing.T) {
	out := MarshalSteps([]Step{{Tool: "a", Result: "ok"}})
	if !strings.Contains(out, `"tool": "a"`) {
		t.Errorf("out = %s", out)
	}
}
