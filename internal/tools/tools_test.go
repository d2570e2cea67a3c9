package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo " + name,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return name + ":" + StringArg(args, "text"), nil
		},
	}
}

func TestSet_AddRejectsDuplicates(t *testing.T) {
	s := NewSet()
	if err := s.Add(echoTool("a")); err != nil {
		t.Fatal(err)
	}
	err := s.Add(echoTool("a"))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("err = %v, want ErrDuplicateTool", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestSet_NewSetKeepsFirst(t *testing.T) {
	first := echoTool("a")
	s := NewSet(first, echoTool("b"), echoTool("a"))
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if s.Get("a") != first {
		t.Error("duplicate replaced the first tool")
	}
	if got := strings.Join(s.Names(), ","); got != "a,b" {
		t.Errorf("Names = %q", got)
	}
}

func TestSet_Definitions(t *testing.T) {
	s := NewSet(echoTool("b"), echoTool("a"))
	defs := s.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions", len(defs))
	}
	fn := defs[0]["function"].(map[string]any)
	if fn["name"] != "b" {
		t.Errorf("first definition = %v, want insertion order", fn["name"])
	}
	if _, ok := fn["parameters"].(map[string]any); !ok {
		t.Error("nil parameters should become an empty object schema")
	}
}

func TestSet_Execute(t *testing.T) {
	s := NewSet(echoTool("a"))

	got, err := s.Execute(context.Background(), "a", `{"text":"hi"}`)
	if err != nil || got != "a:hi" {
		t.Fatalf("Execute = %q, %v", got, err)
	}

	// A calendar tool is absent when the caller never authorized calendar.
	_, err = s.Execute(context.Background(), "calendar_schedule_sync", "{}")
	var unavailable *ErrToolUnavailable
	if !errors.As(fmt.Errorf("run tool: %w", err), &unavailable) || unavailable.ToolName != "calendar_schedule_sync" {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}
	if want := `tool "calendar_schedule_sync" is not available in this context`; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if _, err := s.Execute(context.Background(), "a", "{not json"); err == nil {
		t.Fatal("expected invalid arguments error")
	}
}

func TestNilSet(t *testing.T) {
	var s *Set
	if s.Len() != 0 || s.Get("x") != nil || s.Definitions() != nil {
		t.Error("nil Set should behave as empty")
	}
}

func TestArgs(t *testing.T) {
	args := map[string]any{
		"s":    "  padded ",
		"n":    float64(42),
		"ns":   "7",
		"list": []any{"a", " b ", 3, ""},
		"csv":  "x, y,,z",
	}
	if got := StringArg(args, "s"); got != "padded" {
		t.Errorf("StringArg = %q", got)
	}
	if IntArg(args, "n") != 42 || IntArg(args, "ns") != 7 || IntArg(args, "missing") != 0 {
		t.Error("IntArg mismatch")
	}
	if got := strings.Join(StringSliceArg(args, "list"), "|"); got != "a|b" {
		t.Errorf("StringSliceArg(list) = %q", got)
	}
	if got := strings.Join(StringSliceArg(args, "csv"), "|"); got != "x|y|z" {
		t.Errorf("StringSliceArg(csv) = %q", got)
	}
	if _, err := RequireString(args, "missing"); err == nil {
		t.Error("RequireString should fail for missing key")
	}
}
